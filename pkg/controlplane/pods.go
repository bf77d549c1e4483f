package controlplane

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/events"
	"github.com/kube9/kube9/pkg/log"
	"github.com/kube9/kube9/pkg/metrics"
	"github.com/kube9/kube9/pkg/scheduler"
	"github.com/kube9/kube9/pkg/types"
)

// ContainerInput is one container entry of a CreatePodInput.
type ContainerInput struct {
	Name      string   `json:"name"`
	Image     string   `json:"image"`
	Command   []string `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	CPUReq    float64  `json:"cpu_req"`
	MemoryReq int      `json:"memory_req_mb"`
}

// VolumeInput is one volume entry of a CreatePodInput.
type VolumeInput struct {
	Name      string           `json:"name"`
	Kind      types.VolumeKind `json:"kind"`
	SizeGB    int              `json:"size_gb"`
	MountPath string           `json:"mount_path"`
}

// ConfigItemInput is one config/secret entry of a CreatePodInput.
type ConfigItemInput struct {
	Name  string               `json:"name"`
	Kind  types.ConfigItemKind `json:"kind"`
	Key   string               `json:"key"`
	Value string               `json:"value"`
}

// CreatePodInput is the validated shape of a POST /pods request.
type CreatePodInput struct {
	Name        string
	CPUCoresReq int
	Containers  []ContainerInput
	Volumes     []VolumeInput
	ConfigItems []ConfigItemInput
}

// CreatePod schedules a pod onto a best-fit node and provisions it there.
// Per spec §4.A/§7, if scheduling finds no fit, or any sandbox-provisioning
// step fails, no pod, container, volume or config-item row is ever written.
func (cp *ControlPlane) CreatePod(ctx context.Context, in CreatePodInput) (*types.Pod, error) {
	timer := metrics.NewTimer()

	if in.Name == "" {
		return nil, apierr.Validation("name is required")
	}
	if in.CPUCoresReq <= 0 {
		return nil, apierr.Validation("cpu_cores_req must be positive")
	}
	if len(in.Containers) == 0 {
		return nil, apierr.Validation("containers must be non-empty")
	}

	if _, err := cp.Store.GetPodByName(in.Name); err == nil {
		return nil, apierr.Conflict("pod name already taken: %s", in.Name)
	}

	nodes, err := cp.Store.ListNodes()
	if err != nil {
		return nil, err
	}

	target, err := scheduler.Schedule(nodes, in.CPUCoresReq)
	if err != nil {
		metrics.PodsNoFit.Inc()
		return nil, err
	}

	podID := uuid.NewString()
	podKind := types.PodKindSingleContainer
	if len(in.Containers) > 1 {
		podKind = types.PodKindMultiContainer
	}

	pod := &types.Pod{
		ID:            podID,
		Name:          in.Name,
		CPUCoresReq:   in.CPUCoresReq,
		Kind:          podKind,
		IPAddress:     cp.RandomPodIP(),
		Health:        types.PodPending,
		CreatedAt:     time.Now(),
	}

	networkName := "pod-network-" + podID
	networkHandle, err := cp.Sandbox.CreatePodNetwork(ctx, networkName)
	if err != nil {
		return nil, err
	}
	pod.NetworkHandle = networkHandle

	containers := make([]*types.Container, 0, len(in.Containers))
	for _, c := range in.Containers {
		containers = append(containers, &types.Container{
			ID:        uuid.NewString(),
			PodID:     podID,
			Name:      c.Name,
			Image:     c.Image,
			CPUReq:    c.CPUReq,
			MemoryReq: c.MemoryReq,
			Command:   c.Command,
			Args:      c.Args,
			Status:    types.ContainerPending,
		})
	}

	volumes := make([]*types.Volume, 0, len(in.Volumes))
	for _, v := range in.Volumes {
		volumes = append(volumes, &types.Volume{
			ID:        uuid.NewString(),
			PodID:     podID,
			Name:      v.Name,
			Kind:      v.Kind,
			SizeGB:    v.SizeGB,
			MountPath: v.MountPath,
		})
	}

	configItems := make([]*types.ConfigItem, 0, len(in.ConfigItems))
	envForSpec := map[string]string{}
	for _, ci := range in.ConfigItems {
		item := &types.ConfigItem{
			ID:    uuid.NewString(),
			PodID: podID,
			Name:  ci.Name,
			Kind:  ci.Kind,
			Key:   ci.Key,
		}
		if ci.Kind == types.ConfigItemSecret && cp.Secrets != nil {
			encrypted, err := cp.Secrets.Encrypt([]byte(ci.Value))
			if err != nil {
				_ = cp.Sandbox.RemoveNetwork(ctx, networkName)
				return nil, apierr.Sandbox(false, err)
			}
			item.Value = encrypted
		} else {
			item.Value = []byte(ci.Value)
			// Only plain env entries populate the spec handed to the
			// sandbox; secrets are never exposed in the pod spec's
			// environment map, matching the source prototype's build
			// behavior.
			if ci.Kind != types.ConfigItemSecret {
				envForSpec[ci.Key] = ci.Value
			}
		}
		configItems = append(configItems, item)
	}

	spec := PodSpec{
		Name:        pod.Name,
		CPUCoresReq: pod.CPUCoresReq,
		IPAddress:   pod.IPAddress,
		Environment: envForSpec,
	}
	for _, c := range containers {
		spec.Containers = append(spec.Containers, PodSpecContainer{
			Name:      c.Name,
			Image:     c.Image,
			Command:   c.Command,
			Args:      c.Args,
			CPUReq:    c.CPUReq,
			MemoryReq: c.MemoryReq,
		})
	}

	resp, err := RunPod(ctx, target.Sandbox.Host, target.Sandbox.Port, podID, spec)
	if err != nil {
		_ = cp.Sandbox.RemoveNetwork(ctx, networkName)
		return nil, apierr.Sandbox(true, err)
	}

	for _, rc := range resp.PodStatus.Containers {
		for _, c := range containers {
			if c.Name == rc.Name {
				if rc.Status == "running" {
					c.Status = types.ContainerRunning
				} else {
					c.Status = types.ContainerFailed
				}
			}
		}
	}

	pod.Health = types.PodRunning
	pod.NodeID = target.ID
	for _, c := range containers {
		pod.ContainerIDs = append(pod.ContainerIDs, c.ID)
	}
	for _, v := range volumes {
		pod.VolumeIDs = append(pod.VolumeIDs, v.ID)
	}
	for _, ci := range configItems {
		pod.ConfigItemIDs = append(pod.ConfigItemIDs, ci.ID)
	}

	target.CPUCoresAvail -= in.CPUCoresReq
	target.AddPod(podID)

	if err := cp.Store.CreatePodBound(pod, containers, volumes, configItems, target); err != nil {
		_ = cp.Sandbox.RemoveNetwork(ctx, networkName)
		return nil, err
	}

	metrics.PodsScheduled.Inc()
	timer.ObserveDuration(metrics.SchedulingLatency)
	cp.Publish(&events.Event{ID: uuid.NewString(), Type: events.EventPodScheduled, Message: "pod " + pod.Name + " scheduled on node " + target.Name})
	return pod, nil
}

// DeletePod deletes a pod, releasing its node's CPU accounting and
// notifying the hosting sandbox on a best-effort basis.
func (cp *ControlPlane) DeletePod(ctx context.Context, id string) error {
	pod, err := cp.Store.GetPod(id)
	if err != nil {
		return err
	}

	if pod.NodeID != "" {
		node, err := cp.Store.GetNode(pod.NodeID)
		if err == nil {
			if derr := DeletePodOnSandbox(ctx, node.Sandbox.Host, node.Sandbox.Port, pod.ID); derr != nil {
				log.Logger.Warn().Err(derr).Str("pod_id", id).Msg("best-effort pod delete notification to sandbox failed")
			}
			if pod.Health == types.PodRunning || pod.Health == types.PodRescheduled {
				node.CPUCoresAvail += pod.CPUCoresReq
			}
			node.RemovePod(pod.ID)
			if err := cp.Store.UpdateNode(node); err != nil {
				return err
			}
		}
	}

	if err := cp.Store.DeletePod(id); err != nil {
		return err
	}

	cp.Publish(&events.Event{ID: uuid.NewString(), Type: events.EventPodDeleted, Message: "pod " + pod.Name + " deleted"})
	return nil
}

// PodHealthCheck proxies a health query to the pod's hosting node,
// returning the last-known status when the node cannot be found or
// queried rather than erroring out. An unknown pod id still returns the
// store's not-found error.
func (cp *ControlPlane) PodHealthCheck(ctx context.Context, id string) (types.PodHealth, error) {
	pod, err := cp.Store.GetPod(id)
	if err != nil {
		return "", err
	}
	if pod.NodeID == "" {
		return pod.Health, nil
	}

	node, err := cp.Store.GetNode(pod.NodeID)
	if err != nil {
		return pod.Health, nil
	}

	reported, err := QueryPodHealth(ctx, node.Sandbox.Host, node.Sandbox.Port, pod.ID)
	if err != nil {
		return pod.Health, nil
	}

	newHealth := types.PodHealth(reported)
	if newHealth != pod.Health {
		pod.Health = newHealth
		_ = cp.Store.UpdatePod(pod)
	}
	return pod.Health, nil
}
