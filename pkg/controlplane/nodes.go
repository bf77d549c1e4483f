package controlplane

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/events"
	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/types"
)

// CreateNodeInput is the validated shape of a POST /nodes request.
type CreateNodeInput struct {
	Name     string
	CPUCores int
	Kind     types.NodeKind
}

// CreateNode provisions a node sandbox and creates its row, in that order:
// if the sandbox fails to provision, no node row is ever written.
func (cp *ControlPlane) CreateNode(ctx context.Context, in CreateNodeInput) (*types.Node, error) {
	if in.Name == "" {
		return nil, apierr.Validation("name is required")
	}
	if in.CPUCores <= 0 {
		return nil, apierr.Validation("cpu_cores must be positive")
	}
	if in.Kind == "" {
		in.Kind = types.NodeKindWorker
	}

	if _, err := cp.Store.GetNodeByName(in.Name); err == nil {
		return nil, apierr.Conflict("node name already taken: %s", in.Name)
	}

	id := uuid.NewString()

	handle, err := cp.Sandbox.ProvisionNodeSandbox(ctx, id, in.Name, in.CPUCores, in.Kind, cp.Config.APIServerAddr)
	if err != nil {
		return nil, err
	}

	components := types.Components{
		Kubelet:          types.ComponentRunning,
		ContainerRuntime: types.ComponentRunning,
		KubeProxy:        types.ComponentRunning,
		NodeAgent:        types.ComponentRunning,
	}
	if in.Kind == types.NodeKindMaster {
		components.APIServer = types.ComponentRunning
		components.Scheduler = types.ComponentRunning
		components.Controller = types.ComponentRunning
		components.Etcd = types.ComponentRunning
	}

	node := &types.Node{
		ID:                      id,
		Name:                    in.Name,
		Kind:                    in.Kind,
		CPUCoresTotal:           in.CPUCores,
		CPUCoresAvail:           in.CPUCores,
		Health:                  types.NodeInitializing,
		Components:              components,
		HeartbeatIntervalSec:    cp.Config.DefaultHeartbeatIntervalSec,
		MaxHeartbeatIntervalSec: cp.Config.DefaultMaxHeartbeatIntervalSec,
		MaxRecoveryAttempts:     cp.Config.DefaultMaxRecoveryAttempts,
		Sandbox:                 handle,
		CreatedAt:               time.Now(),
	}

	if err := cp.Store.CreateNode(node); err != nil {
		// Roll back the sandbox we just provisioned.
		_ = cp.Sandbox.RemoveSandbox(ctx, handle, true, true)
		return nil, err
	}

	cp.Publish(&events.Event{ID: uuid.NewString(), Type: events.EventNodeCreated, Message: "node " + node.Name + " created"})
	return node, nil
}

// DeleteNode deletes a node if it has no hosted pods, or if it is
// permanently_failed (spec §6: "delete if no pods OR permanently_failed").
func (cp *ControlPlane) DeleteNode(ctx context.Context, id string) error {
	node, err := cp.Store.GetNode(id)
	if err != nil {
		return err
	}

	if len(node.PodIDs) > 0 && node.Health != types.NodePermanentlyFailed {
		return apierr.Conflict("node %s still hosts %d pod(s)", id, len(node.PodIDs))
	}

	if err := cp.Sandbox.RemoveSandbox(ctx, node.Sandbox, true, true); err != nil {
		log.Logger.Warn().Err(err).Str("node_id", id).Msg("failed to remove node sandbox during delete")
	}

	if err := cp.Store.DeleteNode(id); err != nil {
		return err
	}

	cp.Publish(&events.Event{ID: uuid.NewString(), Type: events.EventNodeDeleted, Message: "node " + node.Name + " deleted"})
	return nil
}

// SimulateFailure injects a failure on the node's sandbox; the heartbeat
// sweep and reconciler observe the consequence on later ticks.
func (cp *ControlPlane) SimulateFailure(ctx context.Context, id string) error {
	node, err := cp.Store.GetNode(id)
	if err != nil {
		return err
	}
	return SimulateFailure(ctx, node.Sandbox.Host, node.Sandbox.Port)
}

// Deregister marks a node as sending a shutdown notice: it is treated like
// a manual failure for the purposes of the recovery/rescheduling loops.
func (cp *ControlPlane) Deregister(ctx context.Context, id string) error {
	node, err := cp.Store.GetNode(id)
	if err != nil {
		return err
	}
	if node.Health == types.NodePermanentlyFailed {
		return nil
	}
	node.Health = types.NodeFailed
	node.RecoveryAttempts++
	if err := cp.Store.UpdateNode(node); err != nil {
		return err
	}
	cp.SetRescheduleFlag()
	return nil
}

// ForceCleanup runs the reaper for a single permanently_failed node on
// demand (spec §6 POST /nodes/{id}/force_cleanup).
func (cp *ControlPlane) ForceCleanup(ctx context.Context, id string) error {
	node, err := cp.Store.GetNode(id)
	if err != nil {
		return err
	}
	if node.Health != types.NodePermanentlyFailed {
		return apierr.Validation("node %s is not permanently_failed", id)
	}
	if err := cp.Sandbox.RemoveSandbox(ctx, node.Sandbox, true, true); err != nil {
		return apierr.Sandbox(true, err)
	}
	node.Sandbox = types.SandboxHandle{}
	return cp.Store.UpdateNode(node)
}

// UpdateNodeHealth is the manual health override endpoint (supplement,
// PATCH /nodes/{id}/health). It never touches a permanently_failed node,
// mirroring the same guard heartbeat ingest applies.
func (cp *ControlPlane) UpdateNodeHealth(ctx context.Context, id string, health types.NodeHealth) (*types.Node, error) {
	node, err := cp.Store.GetNode(id)
	if err != nil {
		return nil, err
	}
	if node.Health == types.NodePermanentlyFailed {
		return node, nil
	}
	node.Health = health
	if err := cp.Store.UpdateNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

// NodesHealthReport is one row of the supplemental GET /nodes/health
// aggregate report.
type NodesHealthReport struct {
	NodeID   string          `json:"node_id"`
	Name     string          `json:"name"`
	Health   types.NodeHealth `json:"health"`
	PodCount int             `json:"pod_count"`
}

// NodesHealth builds the aggregated per-node health + pod-count report.
func (cp *ControlPlane) NodesHealth(ctx context.Context) ([]NodesHealthReport, error) {
	nodes, err := cp.Store.ListNodes()
	if err != nil {
		return nil, err
	}
	out := make([]NodesHealthReport, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodesHealthReport{
			NodeID:   n.ID,
			Name:     n.Name,
			Health:   n.Health,
			PodCount: len(n.PodIDs),
		})
	}
	return out, nil
}
