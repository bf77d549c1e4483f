// Package client wraps the control plane's HTTP API for CLI and test use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kube9/kube9/pkg/types"
)

// Client is a thin HTTP client over the control plane's REST API.
type Client struct {
	addr string
	http *http.Client
}

// NewClient creates a client targeting the control plane at addr
// (e.g. "http://localhost:8080").
func NewClient(addr string) *Client {
	return &Client{addr: addr, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateNodeRequest mirrors the control plane's POST /nodes request body.
type CreateNodeRequest struct {
	Name     string         `json:"name"`
	CPUCores int            `json:"cpu_cores"`
	Kind     types.NodeKind `json:"kind"`
}

// CreateNode provisions a new node.
func (c *Client) CreateNode(ctx context.Context, req CreateNodeRequest) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodPost, "/nodes", req, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ListNodes lists every node.
func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	if err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetNode fetches a node by id.
func (c *Client) GetNode(ctx context.Context, id string) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodGet, "/nodes/"+id, nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// DeleteNode removes a node.
func (c *Client) DeleteNode(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/nodes/"+id, nil, nil)
}

// SimulateFailure injects a failure into a node's sandbox.
func (c *Client) SimulateFailure(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/nodes/"+id+"/simulate/failure", nil, nil)
}

// Deregister sends a node's graceful shutdown notice.
func (c *Client) Deregister(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/nodes/"+id+"/deregister", nil, nil)
}

// ForceCleanup tears down a permanently_failed node's lingering sandbox.
func (c *Client) ForceCleanup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/nodes/"+id+"/force_cleanup", nil, nil)
}

// NodesHealth fetches the aggregate per-node health report.
func (c *Client) NodesHealth(ctx context.Context) ([]map[string]any, error) {
	var report []map[string]any
	if err := c.do(ctx, http.MethodGet, "/nodes/health", nil, &report); err != nil {
		return nil, err
	}
	return report, nil
}

// CreatePodRequest mirrors the control plane's POST /pods request body.
type CreatePodRequest struct {
	Name        string                 `json:"name"`
	CPUCoresReq int                    `json:"cpu_cores_req"`
	Containers  []PodContainerRequest  `json:"containers"`
	Volumes     []PodVolumeRequest     `json:"volumes,omitempty"`
	ConfigItems []PodConfigItemRequest `json:"config_items,omitempty"`
}

// PodContainerRequest is one container entry of a CreatePodRequest.
type PodContainerRequest struct {
	Name      string   `json:"name"`
	Image     string   `json:"image"`
	Command   []string `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	CPUReq    float64  `json:"cpu_req"`
	MemoryReq int      `json:"memory_req_mb"`
}

// PodVolumeRequest is one volume entry of a CreatePodRequest.
type PodVolumeRequest struct {
	Name      string           `json:"name"`
	Kind      types.VolumeKind `json:"kind"`
	SizeGB    int              `json:"size_gb"`
	MountPath string           `json:"mount_path"`
}

// PodConfigItemRequest is one config/secret entry of a CreatePodRequest.
type PodConfigItemRequest struct {
	Name  string               `json:"name"`
	Kind  types.ConfigItemKind `json:"kind"`
	Key   string               `json:"key"`
	Value string               `json:"value"`
}

// CreatePod schedules and provisions a new pod.
func (c *Client) CreatePod(ctx context.Context, req CreatePodRequest) (*types.Pod, error) {
	var pod types.Pod
	if err := c.do(ctx, http.MethodPost, "/pods", req, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// ListPods lists every pod.
func (c *Client) ListPods(ctx context.Context) ([]map[string]any, error) {
	var pods []map[string]any
	if err := c.do(ctx, http.MethodGet, "/pods", nil, &pods); err != nil {
		return nil, err
	}
	return pods, nil
}

// GetPod fetches a pod's detail view by id.
func (c *Client) GetPod(ctx context.Context, id string) (map[string]any, error) {
	var pod map[string]any
	if err := c.do(ctx, http.MethodGet, "/pods/"+id, nil, &pod); err != nil {
		return nil, err
	}
	return pod, nil
}

// DeletePod deletes a pod.
func (c *Client) DeletePod(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/pods/"+id, nil, nil)
}

// PodHealth queries a pod's current health.
func (c *Client) PodHealth(ctx context.Context, id string) (types.PodHealth, error) {
	var resp struct {
		Health types.PodHealth `json:"health"`
	}
	if err := c.do(ctx, http.MethodGet, "/pods/"+id+"/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Health, nil
}
