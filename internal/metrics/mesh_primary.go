package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// meshPrimaryCollector exposes the Bridge Registry's current primary
// election for every mesh it knows about, one gauge sample per mesh.
// Shaped on the pack's own custom-Collector idiom (a mutex-guarded map,
// Describe/Collect iterating it) rather than a CounterVec/GaugeVec,
// since the set of meshes is dynamic and a stale label combination (a
// mesh that no longer exists) must disappear from Collect entirely, not
// just drop to zero.
type meshPrimaryCollector struct {
	mu      sync.Mutex
	primary map[string]string // mesh_id -> bridge_endpoint

	desc *prometheus.Desc
}

func newMeshPrimaryCollector(namespace string) *meshPrimaryCollector {
	return &meshPrimaryCollector{
		primary: make(map[string]string),
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "mesh_primary_bridge"),
			"1 for the bridge endpoint currently elected primary for a mesh.",
			[]string{"mesh_id", "bridge_endpoint"},
			nil,
		),
	}
}

func (c *meshPrimaryCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.desc
}

func (c *meshPrimaryCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for mesh, endpoint := range c.primary {
		metrics <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, 1, mesh, endpoint)
	}
}

func (c *meshPrimaryCollector) set(mesh, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary[mesh] = endpoint
}

func (c *meshPrimaryCollector) remove(mesh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.primary, mesh)
}
