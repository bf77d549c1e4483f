package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testNode(id, name string) *types.Node {
	return &types.Node{
		ID:            id,
		Name:          name,
		Kind:          types.NodeKindWorker,
		Health:        types.NodeHealthy,
		CPUCoresTotal: 4,
		CPUCoresAvail: 4,
		CreatedAt:     time.Now(),
	}
}

func testPod(id, name, nodeID string) *types.Pod {
	return &types.Pod{
		ID:          id,
		Name:        name,
		CPUCoresReq: 1,
		Kind:        types.PodKindSingleContainer,
		Health:      types.PodRunning,
		NodeID:      nodeID,
		CreatedAt:   time.Now(),
	}
}

func TestNodeCRUD(t *testing.T) {
	store := newTestStore(t)

	n := testNode("n-1", "worker-1")
	require.NoError(t, store.CreateNode(n))

	got, err := store.GetNode("n-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.Name)

	byName, err := store.GetNodeByName("worker-1")
	require.NoError(t, err)
	assert.Equal(t, "n-1", byName.ID)

	got.CPUCoresAvail = 2
	require.NoError(t, store.UpdateNode(got))

	updated, err := store.GetNode("n-1")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CPUCoresAvail)

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	require.NoError(t, store.DeleteNode("n-1"))
	_, err = store.GetNode("n-1")
	assert.Error(t, err)
	var nf *apierr.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestCreateNodeDuplicateName(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateNode(testNode("n-1", "worker-1")))
	err := store.CreateNode(testNode("n-2", "worker-1"))

	require.Error(t, err)
	var conflict *apierr.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestGetNodeNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetNode("missing")
	require.Error(t, err)
	var nf *apierr.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestPodCRUD(t *testing.T) {
	store := newTestStore(t)

	node := testNode("n-1", "worker-1")
	require.NoError(t, store.CreateNode(node))

	pod := testPod("p-1", "web", "n-1")
	require.NoError(t, store.CreatePodBound(pod, nil, nil, nil, node))

	got, err := store.GetPod("p-1")
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)

	byName, err := store.GetPodByName("web")
	require.NoError(t, err)
	assert.Equal(t, "p-1", byName.ID)

	got.Health = types.PodFailed
	require.NoError(t, store.UpdatePod(got))

	updated, err := store.GetPod("p-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodFailed, updated.Health)

	pods, err := store.ListPods()
	require.NoError(t, err)
	assert.Len(t, pods, 1)
}

func TestCreatePodBoundDuplicateName(t *testing.T) {
	store := newTestStore(t)

	node := testNode("n-1", "worker-1")
	require.NoError(t, store.CreateNode(node))
	require.NoError(t, store.CreatePodBound(testPod("p-1", "web", "n-1"), nil, nil, nil, node))

	err := store.CreatePodBound(testPod("p-2", "web", "n-1"), nil, nil, nil, node)
	require.Error(t, err)
	var conflict *apierr.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestDeletePodCascade(t *testing.T) {
	store := newTestStore(t)

	node := testNode("n-1", "worker-1")
	require.NoError(t, store.CreateNode(node))

	pod := testPod("p-1", "web", "n-1")
	containers := []*types.Container{{ID: "c-1", PodID: "p-1", Name: "main", Image: "busybox"}}
	volumes := []*types.Volume{{ID: "v-1", PodID: "p-1", Name: "data", Kind: types.VolumeEmptyDir}}
	configItems := []*types.ConfigItem{{ID: "ci-1", PodID: "p-1", Name: "env", Kind: types.ConfigItemEnv, Key: "FOO", Value: []byte("bar")}}

	require.NoError(t, store.CreatePodBound(pod, containers, volumes, configItems, node))

	require.NoError(t, store.DeletePod("p-1"))

	_, err := store.GetPod("p-1")
	assert.Error(t, err)

	_, err = store.GetContainer("c-1")
	assert.Error(t, err)

	_, err = store.GetVolume("v-1")
	assert.Error(t, err)

	_, err = store.GetConfigItem("ci-1")
	assert.Error(t, err)
}

func TestRebindPod(t *testing.T) {
	store := newTestStore(t)

	from := testNode("n-1", "worker-1")
	to := testNode("n-2", "worker-2")
	require.NoError(t, store.CreateNode(from))
	require.NoError(t, store.CreateNode(to))

	pod := testPod("p-1", "web", "n-1")
	require.NoError(t, store.CreatePodBound(pod, nil, nil, nil, from))

	from.CPUCoresAvail = 4
	to.CPUCoresAvail = 0
	pod.NodeID = "n-2"

	require.NoError(t, store.RebindPod(pod, from, to))

	gotPod, err := store.GetPod("p-1")
	require.NoError(t, err)
	assert.Equal(t, "n-2", gotPod.NodeID)

	gotFrom, err := store.GetNode("n-1")
	require.NoError(t, err)
	assert.Equal(t, 4, gotFrom.CPUCoresAvail)

	gotTo, err := store.GetNode("n-2")
	require.NoError(t, err)
	assert.Equal(t, 0, gotTo.CPUCoresAvail)
}

func TestContainersVolumesConfigItemsByPod(t *testing.T) {
	store := newTestStore(t)

	node := testNode("n-1", "worker-1")
	require.NoError(t, store.CreateNode(node))

	pod := testPod("p-1", "web", "n-1")
	containers := []*types.Container{
		{ID: "c-1", PodID: "p-1", Name: "main", Image: "busybox"},
		{ID: "c-2", PodID: "p-1", Name: "sidecar", Image: "busybox"},
	}
	volumes := []*types.Volume{{ID: "v-1", PodID: "p-1", Name: "data", Kind: types.VolumeEmptyDir}}
	configItems := []*types.ConfigItem{{ID: "ci-1", PodID: "p-1", Name: "env", Kind: types.ConfigItemEnv, Key: "FOO", Value: []byte("bar")}}

	require.NoError(t, store.CreatePodBound(pod, containers, volumes, configItems, node))

	gotContainers, err := store.ListContainersByPod("p-1")
	require.NoError(t, err)
	assert.Len(t, gotContainers, 2)

	gotVolumes, err := store.ListVolumesByPod("p-1")
	require.NoError(t, err)
	assert.Len(t, gotVolumes, 1)

	gotConfigItems, err := store.ListConfigItemsByPod("p-1")
	require.NoError(t, err)
	assert.Len(t, gotConfigItems, 1)

	c := gotContainers[0]
	c.Status = types.ContainerRunning
	require.NoError(t, store.UpdateContainer(c))

	updated, err := store.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerRunning, updated.Status)
}
