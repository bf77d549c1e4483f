// Package scheduler implements the Best-Fit-on-CPU placement rule (spec
// §4.C): among eligible worker nodes, pick the one with the least spare
// capacity that still satisfies the request, so larger contiguous capacity
// is preserved on lightly-loaded nodes.
package scheduler

import (
	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/types"
)

// Schedule selects the best-fit node for a pod requesting cpuCoresReq cores
// out of candidates. It does not mutate any node or reserve capacity; the
// caller must decrement cpu_cores_avail and bind the pod within the same
// store transaction that uses this result.
func Schedule(candidates []*types.Node, cpuCoresReq int) (*types.Node, error) {
	eligible := Eligible(candidates, cpuCoresReq)
	if len(eligible) == 0 {
		return nil, apierr.Validation("no available worker node found with enough CPU resources or healthy components")
	}

	best := eligible[0]
	for _, n := range eligible[1:] {
		if n.CPUCoresAvail < best.CPUCoresAvail {
			best = n
			continue
		}
		if n.CPUCoresAvail == best.CPUCoresAvail && n.ID < best.ID {
			best = n
		}
	}
	return best, nil
}

// Eligible returns the subset of candidates that satisfy spec §4.C step 1:
// worker kind, healthy, kubelet and container runtime both running, and
// enough spare CPU for the request.
func Eligible(candidates []*types.Node, cpuCoresReq int) []*types.Node {
	var out []*types.Node
	for _, n := range candidates {
		if n.Kind != types.NodeKindWorker {
			continue
		}
		if n.Health != types.NodeHealthy {
			continue
		}
		if n.Components.Kubelet != types.ComponentRunning {
			continue
		}
		if n.Components.ContainerRuntime != types.ComponentRunning {
			continue
		}
		if n.CPUCoresAvail < cpuCoresReq {
			continue
		}
		out = append(out, n)
	}
	return out
}
