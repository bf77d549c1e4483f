// Package sandbox adapts the cluster control plane to a local containerd
// runtime (spec §4.B). It provisions and tears down node sandboxes — host
// containers that simulate cluster nodes and expose an HTTP control port —
// plus the dedicated bridge networks and volumes pods need, and it proxies
// liveness probes to a sandbox's /status endpoint.
//
// Pod containers themselves are not launched through this driver: once a
// node sandbox is up, the control plane hands it pod specs over HTTP
// (POST /run_pod, spec §6 egress) and the sandbox hosts them as in-sandbox
// processes. CreateContainer/StartContainer/GetContainerInfo below are the
// same primitives used to provision the node sandbox container itself.
package sandbox

import (
	"context"
	"fmt"
	"hash/crc32"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/rs/zerolog"

	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/health"
	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/types"
)

var ipRegexp = regexp.MustCompile(`inet (\d+\.\d+\.\d+\.\d+)`)

const (
	defaultSocketPath = "/run/containerd/containerd.sock"
	namespaceName      = "kube9"
	nodeImageRef       = "docker.io/library/kube9-node-sandbox:latest"
	nodeNetworkName    = "cluster-node-net"
	basePort           = 5000
)

// Driver drives node-sandbox and pod-network lifecycle via containerd. It
// holds a single client; every method is safe to call concurrently (spec §5
// "the driver holds a single client; operations are safe to call
// concurrently").
type Driver struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger

	networkMu      sync.Mutex
	networkEnsured bool
}

// NewDriver connects to containerd at socketPath (defaulting to the
// standard system socket) under a dedicated namespace.
func NewDriver(socketPath string) (*Driver, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &Driver{
		client:    client,
		namespace: namespaceName,
		logger:    log.WithComponent("sandbox"),
	}, nil
}

func (d *Driver) ctx() context.Context {
	return namespaces.WithNamespace(context.Background(), d.namespace)
}

// Close releases the containerd client.
func (d *Driver) Close() error {
	return d.client.Close()
}

// PortForNode derives a stable host port for a node sandbox from its id, so
// the same node always publishes the same port across restarts without
// requiring node ids to be small sequential integers. Exported so
// cmd/kube9-fixports can re-derive it after a host restart without
// depending on the live driver.
func PortForNode(nodeID string) int {
	return basePort + int(crc32.ChecksumIEEE([]byte(nodeID))%1000)
}

// ensureNodeNetwork creates the shared bridge network for node sandboxes on
// first use (spec §4.B), via the same host `ip link` mechanism
// CreatePodNetwork uses for per-pod bridges. Idempotent and safe to call
// concurrently: the network-creation commands themselves only ever run once
// per process thanks to networkMu guarding networkEnsured.
func (d *Driver) ensureNodeNetwork(ctx context.Context) error {
	d.networkMu.Lock()
	defer d.networkMu.Unlock()

	if d.networkEnsured {
		return nil
	}

	_ = exec.CommandContext(ctx, "ip", "link", "delete", nodeNetworkName, "type", "bridge").Run()
	if out, err := exec.CommandContext(ctx, "ip", "link", "add", nodeNetworkName, "type", "bridge").CombinedOutput(); err != nil {
		return fmt.Errorf("create node bridge %s: %w (%s)", nodeNetworkName, err, out)
	}
	if out, err := exec.CommandContext(ctx, "ip", "link", "set", nodeNetworkName, "up").CombinedOutput(); err != nil {
		d.logger.Warn().Err(err).Str("network", nodeNetworkName).Str("output", string(out)).Msg("failed to bring up node bridge")
	}

	d.networkEnsured = true
	return nil
}

// ProvisionNodeSandbox ensures the node-sandbox image exists, creates the
// shared node network on first call, removes any stale sandbox with the
// same name, and launches a fresh sandbox container with CPU/memory limits
// proportional to cpuCores. The returned handle carries host "localhost"
// and the port PortForNode derives from nodeID; the container spec sets up
// no port mapping or host networking for that port.
func (d *Driver) ProvisionNodeSandbox(ctx context.Context, nodeID, name string, cpuCores int, kind types.NodeKind, apiServer string) (types.SandboxHandle, error) {
	log := d.logger.With().Str("node_id", nodeID).Logger()

	if err := d.ensureNodeNetwork(ctx); err != nil {
		return types.SandboxHandle{}, apierr.Sandbox(true, fmt.Errorf("ensure node network: %w", err))
	}

	containerName := fmt.Sprintf("kube9-node-%s", name)

	// Idempotent: remove any stale container with the same name before
	// creating a fresh one.
	if existing, err := d.client.LoadContainer(ctx, containerName); err == nil {
		log.Debug().Msg("removing stale node sandbox before recreation")
		_ = d.forceRemoveContainer(ctx, existing)
	}

	if err := d.ensureImage(ctx, nodeImageRef); err != nil {
		return types.SandboxHandle{}, apierr.Sandbox(true, fmt.Errorf("ensure node-sandbox image: %w", err))
	}

	port := PortForNode(nodeID)

	quota := int64(cpuCores) * 100000
	period := uint64(100000)
	memBytes := int64(cpuCores) * 512 * 1024 * 1024

	image, err := d.client.GetImage(ctx, nodeImageRef)
	if err != nil {
		return types.SandboxHandle{}, apierr.Sandbox(true, fmt.Errorf("get node-sandbox image: %w", err))
	}

	env := []string{
		fmt.Sprintf("NODE_ID=%s", nodeID),
		fmt.Sprintf("NODE_NAME=%s", name),
		fmt.Sprintf("CPU_CORES=%d", cpuCores),
		fmt.Sprintf("NODE_TYPE=%s", kind),
		fmt.Sprintf("API_SERVER=%s", apiServer),
	}

	container, err := d.client.NewContainer(
		ctx,
		containerName,
		containerd.WithNewSnapshot(containerName+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithEnv(env),
			oci.WithCPUCFS(quota, period),
			oci.WithMemoryLimit(uint64(memBytes)),
			oci.WithHostHostsFile,
			oci.WithHostResolvconf,
		),
	)
	if err != nil {
		return types.SandboxHandle{}, apierr.Sandbox(true, fmt.Errorf("create node sandbox container: %w", err))
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return types.SandboxHandle{}, apierr.Sandbox(true, fmt.Errorf("create node sandbox task: %w", err))
	}

	if err := task.Start(ctx); err != nil {
		return types.SandboxHandle{}, apierr.Sandbox(true, fmt.Errorf("start node sandbox task: %w", err))
	}

	log.Info().Int("port", port).Msg("node sandbox provisioned")

	return types.SandboxHandle{
		ID:   container.ID(),
		Host: "localhost",
		Port: port,
	}, nil
}

func (d *Driver) ensureImage(ctx context.Context, ref string) error {
	if _, err := d.client.GetImage(ctx, ref); err == nil {
		return nil
	}
	_, err := d.client.Pull(ctx, ref, containerd.WithPullUnpack)
	return err
}

// StopSandbox stops a running sandbox with a timeout, shorter when force or
// isNodeSandbox is set. isNodeSandbox implies the caller must follow with an
// unconditional force-remove.
func (d *Driver) StopSandbox(ctx context.Context, handle types.SandboxHandle, force bool, isNodeSandbox bool) error {
	if handle.ID == "" {
		return nil
	}

	container, err := d.client.LoadContainer(ctx, handle.ID)
	if err != nil {
		// Already gone: idempotent success.
		return nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	timeout := 10 * time.Second
	if force || isNodeSandbox {
		timeout = 3 * time.Second
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCh, err := task.Wait(waitCtx)
	if err != nil {
		return apierr.Sandbox(true, fmt.Errorf("wait on sandbox task: %w", err))
	}

	sig := uint32(15) // SIGTERM
	if err := task.Kill(ctx, sig); err != nil {
		return apierr.Sandbox(true, fmt.Errorf("signal sandbox task: %w", err))
	}

	select {
	case <-exitCh:
	case <-waitCtx.Done():
		// Escalate to SIGKILL on timeout.
		_ = task.Kill(ctx, 9)
	}

	_, err = task.Delete(ctx)
	return err
}

// RemoveSandbox stops then removes a sandbox container and its snapshot.
// Idempotent: remove-on-absent returns success.
func (d *Driver) RemoveSandbox(ctx context.Context, handle types.SandboxHandle, force bool, isNodeSandbox bool) error {
	if handle.ID == "" {
		return nil
	}

	if err := d.StopSandbox(ctx, handle, force, isNodeSandbox); err != nil && !(force || isNodeSandbox) {
		return err
	}

	container, err := d.client.LoadContainer(ctx, handle.ID)
	if err != nil {
		return nil
	}

	return d.forceRemoveContainer(ctx, container)
}

func (d *Driver) forceRemoveContainer(ctx context.Context, container containerd.Container) error {
	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}
	return container.Delete(ctx, containerd.WithSnapshotCleanup)
}

// CreatePodNetwork creates a dedicated Linux bridge for a pod via the host
// `ip` command (containerd itself has no first-class network object, and
// CNI is out of scope), deleting any pre-existing bridge of the same name
// first per spec §4.B. The pod's own traffic isolation still rests on its
// internal IP (spec §6 "internal addressing"); the bridge exists so that
// leftover ones are a real, observable artifact the netreap utility can
// find and remove.
func (d *Driver) CreatePodNetwork(ctx context.Context, name string) (string, error) {
	_ = exec.CommandContext(ctx, "ip", "link", "delete", name, "type", "bridge").Run()

	if out, err := exec.CommandContext(ctx, "ip", "link", "add", name, "type", "bridge").CombinedOutput(); err != nil {
		return "", apierr.Sandbox(true, fmt.Errorf("create pod bridge %s: %w (%s)", name, err, out))
	}
	if out, err := exec.CommandContext(ctx, "ip", "link", "set", name, "up").CombinedOutput(); err != nil {
		d.logger.Warn().Err(err).Str("network", name).Str("output", string(out)).Msg("failed to bring up pod bridge")
	}
	return "podnet-" + name, nil
}

// RemoveNetwork deletes a previously created pod bridge by name. Idempotent:
// deleting an absent bridge is treated as success.
func (d *Driver) RemoveNetwork(ctx context.Context, name string) error {
	_ = exec.CommandContext(ctx, "ip", "link", "delete", name, "type", "bridge").Run()
	return nil
}

// ListPodNetworks enumerates host bridge interfaces whose name is prefixed
// "pod-network-", for the stale-network reaper utility (spec §6 "CLI
// surface (operational)").
func (d *Driver) ListPodNetworks(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "ip", "-o", "link", "show", "type", "bridge").Output()
	if err != nil {
		return nil, apierr.Sandbox(true, fmt.Errorf("list bridges: %w", err))
	}

	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if strings.HasPrefix(name, "pod-network-") {
			names = append(names, name)
		}
	}
	return names, nil
}

// CreateVolume exists to complete the driver surface spec §4.B describes,
// but is intentionally inert: real persistent-volume semantics are out of
// scope, so a pod's Volume rows are plain store metadata with nothing for a
// runtime volume driver to back them with.
func (d *Driver) CreateVolume(ctx context.Context, name string) error {
	return nil
}

// RemoveVolume is the inert counterpart to CreateVolume, kept for the same
// reason.
func (d *Driver) RemoveVolume(ctx context.Context, name string) error {
	return nil
}

// ContainerSpec describes a container to create via CreateContainer.
type ContainerSpec struct {
	Name         string
	Image        string
	Command      []string
	Args         []string
	Env          map[string]string
	CPULimit     float64
	MemoryLimitMB int
}

// CreateContainer creates (but does not start) a container from spec and
// returns its sandbox handle.
func (d *Driver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", apierr.Sandbox(true, fmt.Errorf("ensure image %s: %w", spec.Image, err))
	}

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", apierr.Sandbox(true, fmt.Errorf("get image %s: %w", spec.Image, err))
	}

	var env []string
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	quota := int64(spec.CPULimit * 100000)
	period := uint64(100000)
	memBytes := uint64(spec.MemoryLimitMB) * 1024 * 1024

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithCPUCFS(quota, period),
		oci.WithMemoryLimit(memBytes),
	}
	if len(spec.Command) > 0 {
		args := append(append([]string{}, spec.Command...), spec.Args...)
		opts = append(opts, oci.WithProcessArgs(args...))
	}

	container, err := d.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", apierr.Sandbox(true, fmt.Errorf("create container %s: %w", spec.Name, err))
	}

	return container.ID(), nil
}

// StartContainer starts a previously created container.
func (d *Driver) StartContainer(ctx context.Context, handle string) error {
	container, err := d.client.LoadContainer(ctx, handle)
	if err != nil {
		return apierr.Sandbox(false, fmt.Errorf("load container %s: %w", handle, err))
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return apierr.Sandbox(true, fmt.Errorf("create task for %s: %w", handle, err))
	}

	if err := task.Start(ctx); err != nil {
		return apierr.Sandbox(true, fmt.Errorf("start task for %s: %w", handle, err))
	}
	return nil
}

// ContainerInfo is the result of GetContainerInfo.
type ContainerInfo struct {
	Status types.RuntimeStatus
	IP     string
	Port   int
}

// GetContainerInfo returns the runtime status of handle, and, if detailed
// and running, its sandbox IP. Port is never filled in and stays zero.
func (d *Driver) GetContainerInfo(ctx context.Context, handle string, detailed bool) (ContainerInfo, error) {
	container, err := d.client.LoadContainer(ctx, handle)
	if err != nil {
		return ContainerInfo{Status: types.RuntimeUnknown}, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return ContainerInfo{Status: types.RuntimeCreated}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return ContainerInfo{Status: types.RuntimeUnknown}, nil
	}

	var rs types.RuntimeStatus
	switch status.Status {
	case containerd.Running:
		rs = types.RuntimeRunning
	case containerd.Stopped:
		rs = types.RuntimeExited
	case containerd.Paused:
		rs = types.RuntimeRunning
	default:
		rs = types.RuntimeUnknown
	}

	info := ContainerInfo{Status: rs}
	if detailed && rs == types.RuntimeRunning {
		if pid := task.Pid(); pid != 0 {
			if ip, err := containerIP(pid); err == nil {
				info.IP = ip
			}
		}
	}
	return info, nil
}

// containerIP resolves the IPv4 address of a running task's network
// namespace by entering it with nsenter, mirroring how the teacher's
// containerd adapter resolves sandbox IPs without a CNI plugin.
func containerIP(pid uint32) (string, error) {
	out, err := exec.Command("nsenter", "-t", fmt.Sprint(pid), "-n", "ip", "-4", "addr", "show", "eth0").Output()
	if err != nil {
		return "", err
	}
	matches := ipRegexp.FindStringSubmatch(string(out))
	if len(matches) < 2 {
		return "", fmt.Errorf("no ipv4 address found for pid %d", pid)
	}
	return matches[1], nil
}

// Ping probes a sandbox's /status endpoint with a 2s timeout.
func (d *Driver) Ping(ctx context.Context, host string, port int) bool {
	return health.Ping(ctx, host, port)
}
