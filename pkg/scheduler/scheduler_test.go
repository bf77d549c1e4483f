package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/types"
)

func workerNode(id string, total, avail int) *types.Node {
	return &types.Node{
		ID:            id,
		Name:          id,
		Kind:          types.NodeKindWorker,
		Health:        types.NodeHealthy,
		CPUCoresTotal: total,
		CPUCoresAvail: avail,
		Components: types.Components{
			Kubelet:          types.ComponentRunning,
			ContainerRuntime: types.ComponentRunning,
		},
	}
}

func TestSchedule_BestFit(t *testing.T) {
	tests := []struct {
		name       string
		nodes      []*types.Node
		cpuReq     int
		wantNodeID string
		wantNoFit  bool
	}{
		{
			name:       "picks tightest fit among two eligible nodes",
			nodes:      []*types.Node{workerNode("a", 4, 4), workerNode("b", 8, 8)},
			cpuReq:     3,
			wantNodeID: "a",
		},
		{
			name:      "no node has enough capacity",
			nodes:     []*types.Node{workerNode("a", 4, 4), workerNode("b", 8, 8)},
			cpuReq:    9,
			wantNoFit: true,
		},
		{
			name:       "boundary: avail exactly equals request is valid",
			nodes:      []*types.Node{workerNode("a", 4, 3)},
			cpuReq:     3,
			wantNodeID: "a",
		},
		{
			name:       "ties broken by smallest node id",
			nodes:      []*types.Node{workerNode("b", 4, 2), workerNode("a", 8, 2)},
			cpuReq:     2,
			wantNodeID: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Schedule(tt.nodes, tt.cpuReq)
			if tt.wantNoFit {
				require := assert.New(t)
				require.Error(err)
				_, ok := err.(*apierr.ValidationError)
				require.True(ok, "expected ValidationError, got %T", err)
				require.Nil(got)
				return
			}
			assert.NoError(t, err)
			if assert.NotNil(t, got) {
				assert.Equal(t, tt.wantNodeID, got.ID)
			}
		})
	}
}

func TestEligible_FiltersIneligibleNodes(t *testing.T) {
	healthy := workerNode("w1", 4, 4)
	master := workerNode("m1", 4, 4)
	master.Kind = types.NodeKindMaster
	failed := workerNode("w2", 4, 4)
	failed.Health = types.NodeFailed
	badKubelet := workerNode("w3", 4, 4)
	badKubelet.Components.Kubelet = types.ComponentFailed
	tooSmall := workerNode("w4", 4, 1)

	nodes := []*types.Node{healthy, master, failed, badKubelet, tooSmall}
	got := Eligible(nodes, 2)

	assert.Len(t, got, 1)
	assert.Equal(t, "w1", got[0].ID)
}
