// Package storage defines the Cluster Store contract (spec §4.A) and a
// bbolt-backed implementation. The store is the single authoritative view
// of nodes, pods, containers, volumes and config items: reads return a
// consistent snapshot, writes are transactional per operation, and
// uniqueness of node/pod names is enforced here.
package storage

import "github.com/kube9/kube9/pkg/types"

// Store is the authoritative view of every cluster entity.
type Store interface {
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeByName(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	// DeleteNode removes a node row only; callers are responsible for
	// checking it has no hosted pods before calling (ConflictError), except
	// for permanently_failed nodes which may be deleted unconditionally.
	DeleteNode(id string) error

	GetPod(id string) (*types.Pod, error)
	GetPodByName(name string) (*types.Pod, error)
	ListPods() ([]*types.Pod, error)
	UpdatePod(pod *types.Pod) error
	// DeletePod cascade-deletes the pod's containers, volumes and config
	// items atomically (invariant 7). It does not touch any node row.
	DeletePod(id string) error

	GetContainer(id string) (*types.Container, error)
	ListContainersByPod(podID string) ([]*types.Container, error)
	UpdateContainer(c *types.Container) error

	GetVolume(id string) (*types.Volume, error)
	ListVolumesByPod(podID string) ([]*types.Volume, error)

	GetConfigItem(id string) (*types.ConfigItem, error)
	ListConfigItemsByPod(podID string) ([]*types.ConfigItem, error)

	// CreatePodBound atomically writes a new pod and its containers,
	// volumes and config items, together with the already-updated node row
	// that binds it (cpu_cores_avail decremented, pod id added to
	// node.PodIDs). Either everything commits or nothing does — this is
	// the "create pod + seed containers/volumes/configs is one
	// transaction" contract of spec §4.A. Name uniqueness (invariant 3) is
	// enforced inside the same transaction.
	CreatePodBound(pod *types.Pod, containers []*types.Container, volumes []*types.Volume, configItems []*types.ConfigItem, node *types.Node) error

	// RebindPod atomically moves a pod from one node to another: it writes
	// the updated pod row (new node_id, health) and both node rows (source
	// with the pod id removed, target with it added and cpu_cores_avail
	// decremented) in a single transaction. Used by the rescheduler.
	RebindPod(pod *types.Pod, fromNode *types.Node, toNode *types.Node) error

	Close() error
}
