package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PodSpec is the payload handed to a node sandbox's POST /run_pod (spec §6
// egress).
type PodSpec struct {
	Name        string                  `json:"name"`
	CPUCoresReq int                     `json:"cpu_cores_req"`
	IPAddress   string                  `json:"ip_address"`
	Environment map[string]string       `json:"environment"`
	Containers  []PodSpecContainer      `json:"containers"`
}

// PodSpecContainer is one container entry within a PodSpec.
type PodSpecContainer struct {
	Name      string   `json:"name"`
	Image     string   `json:"image"`
	Command   []string `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	CPUReq    float64  `json:"cpu_req"`
	MemoryReq int      `json:"memory_req"`
}

// RunPodResponse is the response body from a node sandbox's /run_pod.
type RunPodResponse struct {
	Status     string `json:"status"`
	PodStatus  struct {
		Containers []struct {
			Name   string `json:"name"`
			Image  string `json:"image"`
			Status string `json:"status"`
		} `json:"containers"`
	} `json:"pod_status"`
}

var egressClient = &http.Client{}

// RunPod POSTs podID and spec to the target node sandbox's /run_pod. A
// non-2xx response is returned as a plain error; CreatePod wraps it as a
// transient SandboxError, and the rescheduler aborts that pod and leaves it
// for the next tick. Neither caller commits any state for the pod then.
func RunPod(ctx context.Context, host string, port int, podID string, spec PodSpec) (*RunPodResponse, error) {
	body, err := json.Marshal(struct {
		PodID string  `json:"pod_id"`
		Spec  PodSpec `json:"pod_spec"`
	}{PodID: podID, Spec: spec})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/run_pod", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := egressClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("run_pod returned status %d", resp.StatusCode)
	}

	var out RunPodResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePodOnSandbox asks the node sandbox to terminate a pod's processes
// and free its CPU accounting. Best-effort: failures are logged by the
// caller, never retried synchronously.
func DeletePodOnSandbox(ctx context.Context, host string, port int, podID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/pods/%s", host, port, podID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	resp, err := egressClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delete pod returned status %d", resp.StatusCode)
	}
	return nil
}

// NotifyPodAdded sends an advisory, best-effort POST to the target node
// sandbox after a reschedule relocates a pod onto it (spec §4.F step 3).
// The target already has the pod's processes from RunPod; this is purely
// informational bookkeeping, so failures are logged by the caller and never
// block or retry the reschedule.
func NotifyPodAdded(ctx context.Context, host string, port int, podID string, cpuCoresReq int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := json.Marshal(struct {
		PodID       string `json:"pod_id"`
		CPUCoresReq int    `json:"cpu_cores_req"`
	}{PodID: podID, CPUCoresReq: cpuCoresReq})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/pods", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := egressClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pod added notification returned status %d", resp.StatusCode)
	}
	return nil
}

// SimulateFailure flips a node sandbox into an unhealthy state, used by the
// POST /nodes/{id}/simulate/failure API handler.
func SimulateFailure(ctx context.Context, host string, port int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/simulate/failure", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	resp, err := egressClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("simulate/failure returned status %d", resp.StatusCode)
	}
	return nil
}

// QueryPodHealth proxies a health query to the hosting node sandbox for
// GET /pods/{id}/health.
func QueryPodHealth(ctx context.Context, host string, port int, podID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/pods/%s/status", host, port, podID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := egressClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("pod health query returned status %d", resp.StatusCode)
	}

	var out struct {
		HealthStatus string `json:"health_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.HealthStatus, nil
}
