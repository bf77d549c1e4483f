// Package rescheduler implements the Pod Rescheduler (spec §4.F): it moves
// pods off permanently-failed nodes to eligible live nodes, evicting pods
// for which no eligible node exists, and reaps lingering sandbox handles.
package rescheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/controlplane"
	"github.com/kube9/kube9/pkg/events"
	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/metrics"
	"github.com/kube9/kube9/pkg/scheduler"
	"github.com/kube9/kube9/pkg/types"
)

// tickInterval governs how often the rescheduler checks the flag, not how
// often it actually does work — it only acts when the flag is set (spec
// §4.F "Trigger. Runs only when the rescheduling flag is set").
const tickInterval = 5 * time.Second

// Rescheduler runs pod relocation passes and the sandbox reaper.
type Rescheduler struct {
	cp     *controlplane.ControlPlane
	logger zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running int32 // guarantees one active pass at a time
}

// NewRescheduler creates a rescheduler bound to cp.
func NewRescheduler(cp *controlplane.ControlPlane) *Rescheduler {
	return &Rescheduler{cp: cp, logger: log.WithComponent("rescheduler")}
}

// Start launches the trigger-check loop.
func (rs *Rescheduler) Start() {
	rs.mu.Lock()
	rs.stopCh = make(chan struct{})
	stopCh := rs.stopCh
	rs.mu.Unlock()

	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rs.maybeRun()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the loop.
func (rs *Rescheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.stopCh != nil {
		close(rs.stopCh)
		rs.stopCh = nil
	}
}

func (rs *Rescheduler) maybeRun() {
	if !rs.cp.NeedsReschedule() {
		return
	}
	if !atomic.CompareAndSwapInt32(&rs.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&rs.running, 0)
	rs.Run(context.Background())
}

// Run executes one rescheduler pass immediately; exported so callers (and
// tests) can trigger it synchronously without waiting on the tick loop.
func (rs *Rescheduler) Run(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RescheduleDuration)

	nodes, err := rs.cp.Store.ListNodes()
	if err != nil {
		rs.logger.Error().Err(err).Str("tag", log.TagReschedule).Msg("failed to list nodes")
		return
	}

	var failedNodes []*types.Node
	for _, n := range nodes {
		if n.Health == types.NodePermanentlyFailed {
			failedNodes = append(failedNodes, n)
		}
	}

	if len(failedNodes) == 0 {
		rs.cp.ClearRescheduleFlag()
		return
	}

	sort.Slice(failedNodes, func(i, j int) bool { return failedNodes[i].ID < failedNodes[j].ID })

	for _, failedNode := range failedNodes {
		podIDs := append([]string(nil), failedNode.PodIDs...)
		sort.Strings(podIDs)
		for _, podID := range podIDs {
			rs.reschedulePod(ctx, failedNode.ID, podID)
		}
	}

	rs.reap(ctx, failedNodes)
}

func (rs *Rescheduler) reschedulePod(ctx context.Context, failedNodeID, podID string) {
	pod, err := rs.cp.Store.GetPod(podID)
	if err != nil {
		return
	}

	failedNode, err := rs.cp.Store.GetNode(failedNodeID)
	if err != nil || !failedNode.HasPod(podID) {
		return
	}

	nodes, err := rs.cp.Store.ListNodes()
	if err != nil {
		return
	}

	target, err := scheduler.Schedule(nodes, pod.CPUCoresReq)
	if err != nil {
		rs.evict(failedNode, pod)
		return
	}

	containers, cErr := rs.cp.Store.ListContainersByPod(podID)
	configItems, ciErr := rs.cp.Store.ListConfigItemsByPod(podID)
	if cErr != nil || ciErr != nil {
		return
	}

	newIP := rs.cp.RandomPodIP()
	env := map[string]string{}
	for _, ci := range configItems {
		if ci.Kind == types.ConfigItemEnv {
			env[ci.Key] = string(ci.Value)
		}
	}

	spec := controlplane.PodSpec{
		Name:        pod.Name,
		CPUCoresReq: pod.CPUCoresReq,
		IPAddress:   newIP,
		Environment: env,
	}
	for _, c := range containers {
		spec.Containers = append(spec.Containers, controlplane.PodSpecContainer{
			Name:      c.Name,
			Image:     c.Image,
			Command:   c.Command,
			Args:      c.Args,
			CPUReq:    c.CPUReq,
			MemoryReq: c.MemoryReq,
		})
	}

	_, err = controlplane.RunPod(ctx, target.Sandbox.Host, target.Sandbox.Port, podID, spec)
	if err != nil {
		rs.logger.Warn().Err(err).Str("tag", log.TagReschedule).Str("pod_id", podID).Msg("run_pod failed, leaving for next tick")
		return
	}

	pod.IPAddress = newIP
	pod.NodeID = target.ID
	pod.Health = types.PodRunning

	failedNode.RemovePod(podID)
	target.AddPod(podID)
	target.CPUCoresAvail -= pod.CPUCoresReq

	if err := rs.cp.Store.RebindPod(pod, failedNode, target); err != nil {
		rs.logger.Error().Err(err).Str("tag", log.TagReschedule).Str("pod_id", podID).Msg("failed to persist rebind")
		return
	}

	if err := controlplane.NotifyPodAdded(ctx, target.Sandbox.Host, target.Sandbox.Port, podID, pod.CPUCoresReq); err != nil {
		rs.logger.Warn().Err(err).Str("tag", log.TagReschedule).Str("pod_id", podID).Msg("best-effort pod-added notification to target node failed")
	}

	metrics.PodsRescheduledTotal.Inc()
	rs.cp.Publish(&events.Event{ID: uuid.NewString(), Type: events.EventPodRescheduled, Message: "pod " + pod.Name + " rescheduled to node " + target.Name})
}

func (rs *Rescheduler) evict(failedNode *types.Node, pod *types.Pod) {
	noFit := apierr.NoFit(pod.ID)
	rs.logger.Warn().Str("tag", log.TagReschedule).Str("pod_id", pod.ID).Err(noFit).Msg("evicting pod: no eligible node")

	failedNode.RemovePod(pod.ID)
	if err := rs.cp.Store.UpdateNode(failedNode); err != nil {
		rs.logger.Error().Err(err).Str("tag", log.TagReschedule).Str("node_id", failedNode.ID).Msg("failed to persist pod removal before eviction")
		return
	}
	if err := rs.cp.Store.DeletePod(pod.ID); err != nil {
		rs.logger.Error().Err(err).Str("tag", log.TagReschedule).Str("pod_id", pod.ID).Msg("failed to delete evicted pod")
		return
	}

	metrics.PodsEvictedTotal.Inc()
	rs.cp.Publish(&events.Event{ID: uuid.NewString(), Type: events.EventPodEvicted, Message: "pod " + pod.Name + " evicted: no eligible node"})
}

// reap clears lingering sandbox handles on permanently-failed nodes once
// their pods have all been relocated or evicted (spec §4.F step 4, and
// invariant I3).
func (rs *Rescheduler) reap(ctx context.Context, failedNodes []*types.Node) {
	for _, snapshot := range failedNodes {
		node, err := rs.cp.Store.GetNode(snapshot.ID)
		if err != nil || node.Sandbox.Empty() {
			continue
		}

		if err := rs.cp.Sandbox.StopSandbox(ctx, node.Sandbox, true, true); err != nil {
			rs.logger.Warn().Err(err).Str("tag", log.TagReap).Str("node_id", node.ID).Msg("reaper stop failed, will retry next pass")
			continue
		}
		time.Sleep(200 * time.Millisecond)
		if err := rs.cp.Sandbox.RemoveSandbox(ctx, node.Sandbox, true, true); err != nil {
			rs.logger.Warn().Err(err).Str("tag", log.TagReap).Str("node_id", node.ID).Msg("reaper remove failed, will retry next pass")
			continue
		}

		node.Sandbox = types.SandboxHandle{}
		if err := rs.cp.Store.UpdateNode(node); err != nil {
			rs.logger.Error().Err(err).Str("tag", log.TagReap).Str("node_id", node.ID).Msg("failed to clear sandbox handle after reap")
			continue
		}
		metrics.ReaperSandboxesRemovedTotal.Inc()
	}
}
