// Package heartbeat implements the Heartbeat Tracker (spec §4.D): it
// ingests per-node liveness reports and runs a periodic sweep that advances
// node health when heartbeats lapse.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/controlplane"
	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/metrics"
	"github.com/kube9/kube9/pkg/types"
)

// Payload is a single heartbeat report from a node sandbox.
type Payload struct {
	PodIDs        []string
	CPUCoresAvail int
	HealthStatus  types.NodeHealth
	Components    types.Components
}

// IngestResult tells the sandbox what to do next, per spec §4.D and §6.
type IngestResult struct {
	ShouldStopHeartbeat bool             `json:"should_stop_heartbeat"`
	ShouldTerminate     bool             `json:"should_terminate"`
	NodeStatus          types.NodeHealth `json:"node_status"`
}

// Tracker ingests heartbeats and runs the periodic sweep.
type Tracker struct {
	cp     *controlplane.ControlPlane
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewTracker creates a heartbeat tracker bound to cp.
func NewTracker(cp *controlplane.ControlPlane) *Tracker {
	return &Tracker{
		cp:     cp,
		logger: log.WithComponent("heartbeat"),
	}
}

// Start launches the periodic sweep loop.
func (t *Tracker) Start() {
	t.mu.Lock()
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	interval := time.Duration(t.cp.Config.DefaultMaxHeartbeatIntervalSec) * time.Second / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the sweep loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
}

// Ingest applies the per-heartbeat rules of spec §4.D.
func (t *Tracker) Ingest(nodeID string, payload Payload) (IngestResult, error) {
	node, err := t.cp.Store.GetNode(nodeID)
	if err != nil {
		if _, ok := err.(*apierr.NotFoundError); ok {
			return IngestResult{ShouldStopHeartbeat: true}, err
		}
		return IngestResult{}, err
	}

	if node.Health == types.NodePermanentlyFailed {
		if !node.Sandbox.Empty() {
			go t.teardown(node.ID)
		}
		return IngestResult{ShouldStopHeartbeat: true, ShouldTerminate: true, NodeStatus: node.Health}, nil
	}

	now := time.Now()
	node.LastHeartbeat = &now
	if payload.HealthStatus != "" {
		node.Health = payload.HealthStatus
	}
	node.Components = payload.Components
	node.CPUCoresAvail = payload.CPUCoresAvail
	node.PodIDs = payload.PodIDs

	if err := t.cp.Store.UpdateNode(node); err != nil {
		return IngestResult{}, err
	}

	t.logger.Debug().Str("tag", log.TagHeartbeat).Str("node_id", nodeID).Msg("heartbeat ingested")

	return IngestResult{NodeStatus: node.Health}, nil
}

// teardown best-effort removes a permanently_failed node's lingering
// sandbox handle, outside the request path.
func (t *Tracker) teardown(nodeID string) {
	node, err := t.cp.Store.GetNode(nodeID)
	if err != nil || node.Sandbox.Empty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.cp.Sandbox.RemoveSandbox(ctx, node.Sandbox, true, true); err != nil {
		t.logger.Warn().Err(err).Str("tag", log.TagReap).Str("node_id", nodeID).Msg("teardown failed, will retry on reaper pass")
		return
	}
	node.Sandbox = types.SandboxHandle{}
	_ = t.cp.Store.UpdateNode(node)
}

// sweep runs the periodic liveness check of spec §4.D over every node.
func (t *Tracker) sweep() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HeartbeatSweepDuration)

	nodes, err := t.cp.Store.ListNodes()
	if err != nil {
		t.logger.Error().Err(err).Str("tag", log.TagMonitor).Msg("sweep: failed to list nodes")
		return
	}

	inGrace := time.Since(t.cp.StartedAt()) < time.Duration(t.cp.Config.HeartbeatStartupGraceSec)*time.Second
	now := time.Now()

	for _, node := range nodes {
		if node.Health == types.NodePermanentlyFailed {
			continue
		}
		if node.Health == types.NodeInitializing && inGrace {
			continue
		}
		if node.LastHeartbeat == nil {
			continue
		}

		delta := now.Sub(*node.LastHeartbeat)
		maxInterval := time.Duration(node.MaxHeartbeatIntervalSec) * time.Second

		lapsed := node.Health == types.NodeHealthy && delta > maxInterval
		badSandbox := false
		if node.Health == types.NodeHealthy && !lapsed {
			badSandbox = t.sandboxUnhealthy(node)
		}

		if lapsed || badSandbox {
			node.Health = types.NodeFailed
			node.RecoveryAttempts++
			if err := t.cp.Store.UpdateNode(node); err != nil {
				t.logger.Error().Err(err).Str("tag", log.TagMonitor).Str("node_id", node.ID).Msg("sweep: failed to persist failed transition")
				continue
			}
			t.cp.SetRescheduleFlag()
			metrics.NodeFailuresTotal.Inc()
			t.logger.Warn().Str("tag", log.TagMonitor).Str("node_id", node.ID).
				Bool("bad_sandbox", badSandbox).Msg("node transitioned to failed")
			continue
		}

		advisoryThreshold := time.Duration(float64(maxInterval) * 0.7)
		if delta > advisoryThreshold && delta <= maxInterval {
			t.logger.Info().Str("tag", log.TagMonitor).Str("node_id", node.ID).
				Dur("delta", delta).Msg("delayed heartbeat")
		}
	}
}

func (t *Tracker) sandboxUnhealthy(node *types.Node) bool {
	if node.Sandbox.ID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := t.cp.Sandbox.GetContainerInfo(ctx, node.Sandbox.ID, false)
	if err != nil {
		return false
	}
	return info.Status != types.RuntimeRunning
}
