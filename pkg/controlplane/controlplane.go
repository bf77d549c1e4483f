// Package controlplane is the shared "control plane" context (spec §9):
// it wires the store, sandbox driver, event broker, secrets manager and
// runtime configuration into one value carried into every worker and API
// handler, rather than relying on package-level globals.
package controlplane

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kube9/kube9/pkg/events"
	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/sandbox"
	"github.com/kube9/kube9/pkg/security"
	"github.com/kube9/kube9/pkg/storage"
)

// Config holds the runtime-tunable defaults applied to newly created nodes,
// and the addresses needed to reach the local container runtime and this
// process's own API.
type Config struct {
	DataDir           string
	ContainerdSocket  string
	APIServerAddr     string
	ClusterID         string

	DefaultHeartbeatIntervalSec    int
	DefaultMaxHeartbeatIntervalSec int
	DefaultMaxRecoveryAttempts     int

	// HeartbeatStartupGraceSec is the single, process-start-keyed grace
	// window during which initializing nodes are skipped by the sweep
	// (spec §4.D, §9 "Heartbeat startup grace").
	HeartbeatStartupGraceSec int
}

// DefaultConfig returns the interval defaults used throughout spec.md's
// worked scenarios.
func DefaultConfig() Config {
	return Config{
		ContainerdSocket:               "/run/containerd/containerd.sock",
		APIServerAddr:                  "http://localhost:8080",
		ClusterID:                      "kube9-local",
		DefaultHeartbeatIntervalSec:    60,
		DefaultMaxHeartbeatIntervalSec: 120,
		DefaultMaxRecoveryAttempts:     3,
		HeartbeatStartupGraceSec:       30,
	}
}

// ControlPlane bundles every long-lived collaborator needed by the API
// server and the background loops. There is exactly one instance per
// process; it is never accessed through a package-level global.
type ControlPlane struct {
	Store   storage.Store
	Sandbox *sandbox.Driver
	Broker  *events.Broker
	Secrets *security.SecretsManager
	Config  Config
	Logger  zerolog.Logger

	startedAt time.Time

	mu              sync.Mutex
	needsReschedule bool

	rng   *rand.Rand
	rngMu sync.Mutex
}

// New assembles a ControlPlane from its collaborators.
func New(store storage.Store, drv *sandbox.Driver, broker *events.Broker, secrets *security.SecretsManager, cfg Config) *ControlPlane {
	return &ControlPlane{
		Store:     store,
		Sandbox:   drv,
		Broker:    broker,
		Secrets:   secrets,
		Config:    cfg,
		Logger:    log.WithComponent("controlplane"),
		startedAt: time.Now(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// StartedAt is the process-start timestamp the heartbeat sweep keys its
// startup grace period off of (spec §4.D, single point not per-node).
func (cp *ControlPlane) StartedAt() time.Time {
	return cp.startedAt
}

// SetRescheduleFlag sets the cluster-wide "needs work" signal. Multiple
// setters collapse to a single next-tick run of the rescheduler (spec §5).
func (cp *ControlPlane) SetRescheduleFlag() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.needsReschedule = true
}

// ClearRescheduleFlag clears the signal. Only the rescheduler calls this,
// and only after a full pass finds nothing left to do.
func (cp *ControlPlane) ClearRescheduleFlag() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.needsReschedule = false
}

// NeedsReschedule reports the current value of the flag.
func (cp *ControlPlane) NeedsReschedule() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.needsReschedule
}

// RandomPodIP draws a pod address uniformly from 10.244.0.0/16, with no
// collision check (spec §6 "internal addressing", §9 open question: the
// address space is treated as ephemeral and large enough that recycling
// and collision checks are unnecessary).
func (cp *ControlPlane) RandomPodIP() string {
	cp.rngMu.Lock()
	defer cp.rngMu.Unlock()
	return "10.244." + itoa(cp.rng.Intn(256)) + "." + itoa(cp.rng.Intn(256))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [3]byte{}
	i := 3
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

// Publish is a convenience wrapper that only forwards to the broker when
// one is configured, so tests can omit it.
func (cp *ControlPlane) Publish(evt *events.Event) {
	if cp.Broker == nil {
		return
	}
	cp.Broker.Publish(evt)
}
