// Package reconciler implements the Node Reconciler recovery state machine
// (spec §4.E): it escalates failed nodes that exhausted their recovery
// budget, and attempts to restart the rest.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kube9/kube9/pkg/controlplane"
	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/metrics"
	"github.com/kube9/kube9/pkg/types"
)

// Reconciler runs the 15s recovery loop.
type Reconciler struct {
	cp     *controlplane.ControlPlane
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewReconciler creates a reconciler bound to cp.
func NewReconciler(cp *controlplane.ControlPlane) *Reconciler {
	return &Reconciler{cp: cp, logger: log.WithComponent("reconciler")}
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start() {
	r.mu.Lock()
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reconcile()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the loop.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}

// reconcile runs a single reconciliation pass. Every branch re-queries its
// node row immediately before writing, so the pass is safe to run
// concurrently with heartbeat ingest and safe to re-run with no
// intervening events (law L1: idempotent recovery).
func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	nodes, err := r.cp.Store.ListNodes()
	if err != nil {
		r.logger.Error().Err(err).Str("tag", log.TagRecovery).Msg("reconcile: failed to list nodes")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, snapshot := range nodes {
		if snapshot.Health != types.NodeFailed {
			continue
		}
		r.reconcileOne(ctx, snapshot.ID)
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, nodeID string) {
	node, err := r.cp.Store.GetNode(nodeID)
	if err != nil {
		return
	}
	if node.Health != types.NodeFailed {
		// Already moved on since the snapshot was taken; nothing to do.
		return
	}

	if node.RecoveryAttempts >= node.MaxRecoveryAttempts {
		r.escalate(ctx, node)
		return
	}

	if node.Sandbox.ID == "" {
		return
	}

	info, err := r.cp.Sandbox.GetContainerInfo(ctx, node.Sandbox.ID, false)
	if err != nil {
		return
	}

	switch info.Status {
	case types.RuntimeRunning:
		node.Health = types.NodeRecovering
		if err := r.cp.Store.UpdateNode(node); err != nil {
			r.logger.Error().Err(err).Str("tag", log.TagRecovery).Str("node_id", nodeID).Msg("failed to persist recovering transition")
		}

	case types.RuntimeUnknown:
		node.RecoveryAttempts++
		metrics.RecoveryAttemptsTotal.Inc()
		if node.RecoveryAttempts >= node.MaxRecoveryAttempts {
			r.escalateLocked(ctx, node)
			return
		}
		if err := r.cp.Store.UpdateNode(node); err != nil {
			r.logger.Error().Err(err).Str("tag", log.TagRecovery).Str("node_id", nodeID).Msg("failed to persist recovery_attempts increment")
		}

	case types.RuntimeExited, types.RuntimeDead:
		if err := r.cp.Sandbox.StartContainer(ctx, node.Sandbox.ID); err != nil {
			node.RecoveryAttempts++
			metrics.RecoveryAttemptsTotal.Inc()
			if node.RecoveryAttempts >= node.MaxRecoveryAttempts {
				r.escalateLocked(ctx, node)
				return
			}
			if uerr := r.cp.Store.UpdateNode(node); uerr != nil {
				r.logger.Error().Err(uerr).Str("tag", log.TagRecovery).Str("node_id", nodeID).Msg("failed to persist recovery_attempts increment")
			}
			return
		}
		now := time.Now()
		node.LastHeartbeat = &now
		node.Health = types.NodeRecovering
		if err := r.cp.Store.UpdateNode(node); err != nil {
			r.logger.Error().Err(err).Str("tag", log.TagRecovery).Str("node_id", nodeID).Msg("failed to persist recovering transition after restart")
		}
	}
}

// escalate re-queries the node before marking it permanently_failed, for
// nodes already at the recovery cap when the pass began.
func (r *Reconciler) escalate(ctx context.Context, node *types.Node) {
	fresh, err := r.cp.Store.GetNode(node.ID)
	if err != nil || fresh.Health != types.NodeFailed || fresh.RecoveryAttempts < fresh.MaxRecoveryAttempts {
		return
	}
	r.escalateLocked(ctx, fresh)
}

// escalateLocked marks an already-refreshed node permanently_failed and
// requests a forced sandbox stop. Within the reconciler the rescheduling
// flag is set only here, on the transition that actually produces a
// permanently_failed node; failed restart attempts below the cap do not set
// it (the heartbeat sweep and Deregister set it on their own transitions
// into failed).
func (r *Reconciler) escalateLocked(ctx context.Context, node *types.Node) {
	node.Health = types.NodePermanentlyFailed
	if err := r.cp.Store.UpdateNode(node); err != nil {
		r.logger.Error().Err(err).Str("tag", log.TagRecovery).Str("node_id", node.ID).Msg("failed to persist permanently_failed transition")
		return
	}

	metrics.NodesPermanentlyFailedTotal.Inc()
	r.cp.SetRescheduleFlag()
	r.logger.Warn().Str("tag", log.TagRecovery).Str("node_id", node.ID).Msg("node escalated to permanently_failed")

	if !node.Sandbox.Empty() {
		if err := r.cp.Sandbox.StopSandbox(ctx, node.Sandbox, true, true); err != nil {
			r.logger.Warn().Err(err).Str("tag", log.TagReap).Str("node_id", node.ID).Msg("forced stop failed, reaper will retry")
		}
	}
}
