package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GaugeSource returns a point-in-time snapshot of named gauge values.
type GaugeSource func() map[string]float64

// ComponentCollector exposes component GetMetrics() snapshots as Prometheus
// gauges named castellan_<component>_<metric>. Values are pulled on scrape.
//
// The collector is unchecked (Describe sends nothing) because the metric set
// of a component may grow at runtime, e.g. per-instance selection counts.
type ComponentCollector struct {
	mu      sync.RWMutex
	sources map[string]GaugeSource
}

// NewComponentCollector creates an empty collector
func NewComponentCollector() *ComponentCollector {
	return &ComponentCollector{sources: make(map[string]GaugeSource)}
}

// Register adds or replaces the gauge source of a component
func (c *ComponentCollector) Register(component string, src GaugeSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[sanitize(component)] = src
}

// Describe implements prometheus.Collector
func (c *ComponentCollector) Describe(ch chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector
func (c *ComponentCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.Snapshot() {
		desc := prometheus.NewDesc(s.Name, "Component gauge "+s.Name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, s.Value)
	}
}

// Sample is one flattened gauge value
type Sample struct {
	Name  string
	Value float64
}

// Snapshot flattens every source into sorted samples
func (c *ComponentCollector) Snapshot() []Sample {
	c.mu.RLock()
	components := make([]string, 0, len(c.sources))
	for name := range c.sources {
		components = append(components, name)
	}
	sources := make(map[string]GaugeSource, len(c.sources))
	for k, v := range c.sources {
		sources[k] = v
	}
	c.mu.RUnlock()

	sort.Strings(components)
	var out []Sample
	for _, component := range components {
		values := sources[component]()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, Sample{
				Name:  "castellan_" + component + "_" + sanitize(k),
				Value: values[k],
			})
		}
	}
	return out
}

// sanitize maps arbitrary keys onto the Prometheus metric name alphabet
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
