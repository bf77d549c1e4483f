package metrics

import (
	"time"

	"github.com/kube9/kube9/pkg/storage"
)

// Collector periodically samples the store and updates the gauge metrics.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectPodMetrics()
	c.collectContainerMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, node := range nodes {
		kind := string(node.Kind)
		health := string(node.Health)
		if counts[kind] == nil {
			counts[kind] = make(map[string]int)
		}
		counts[kind][health]++
	}

	for kind, healths := range counts {
		for health, count := range healths {
			NodesTotal.WithLabelValues(kind, health).Set(float64(count))
		}
	}
}

func (c *Collector) collectPodMetrics() {
	pods, err := c.store.ListPods()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, pod := range pods {
		counts[string(pod.Health)]++
	}

	for health, count := range counts {
		PodsTotal.WithLabelValues(health).Set(float64(count))
	}
}

func (c *Collector) collectContainerMetrics() {
	pods, err := c.store.ListPods()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, pod := range pods {
		containers, err := c.store.ListContainersByPod(pod.ID)
		if err != nil {
			continue
		}
		for _, ctr := range containers {
			counts[string(ctr.Status)]++
		}
	}

	for status, count := range counts {
		ContainersTotal.WithLabelValues(status).Set(float64(count))
	}
}
