package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector on a private Prometheus registry.
// Samples for names that were never registered are dropped.
type PrometheusCollector struct {
	mu        sync.RWMutex
	registry  *prometheus.Registry
	namespace string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// PrometheusConfig configures the Prometheus collector.
type PrometheusConfig struct {
	// Registry to register into; nil creates one with the Go and process
	// collectors attached.
	Registry *prometheus.Registry

	// Namespace prefixes every metric name, e.g. "dojo" gives
	// dojo_insight_cache_refreshes_total.
	Namespace string

	// RegisterDefaultMetrics registers AllDefinitions up front.
	RegisterDefaultMetrics bool
}

// NewPrometheusCollector creates a collector. A nil cfg registers the
// default definitions on a fresh registry.
func NewPrometheusCollector(cfg *PrometheusConfig) *PrometheusCollector {
	if cfg == nil {
		cfg = &PrometheusConfig{RegisterDefaultMetrics: true}
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &PrometheusCollector{
		registry:   registry,
		namespace:  cfg.Namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	if cfg.RegisterDefaultMetrics {
		for _, def := range AllDefinitions() {
			_ = c.Register(def)
		}
	}
	return c
}

// Register adds def to the registry. Registering a name twice is a no-op.
func (c *PrometheusCollector) Register(def MetricDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered(def.Name) {
		return nil
	}

	var vec prometheus.Collector
	switch def.Type {
	case MetricTypeCounter:
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: c.namespace, Name: def.Name, Help: def.Help}, def.Labels)
		c.counters[def.Name], vec = cv, cv
	case MetricTypeGauge:
		gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: c.namespace, Name: def.Name, Help: def.Help}, def.Labels)
		c.gauges[def.Name], vec = gv, gv
	case MetricTypeHistogram:
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: c.namespace, Name: def.Name, Help: def.Help, Buckets: buckets}, def.Labels)
		c.histograms[def.Name], vec = hv, hv
	default:
		return fmt.Errorf("metric %s: unknown type %q", def.Name, def.Type)
	}

	if err := c.registry.Register(vec); err != nil {
		delete(c.counters, def.Name)
		delete(c.gauges, def.Name)
		delete(c.histograms, def.Name)
		return fmt.Errorf("register metric %s: %w", def.Name, err)
	}
	return nil
}

// registered must be called with mu held.
func (c *PrometheusCollector) registered(name string) bool {
	_, counter := c.counters[name]
	_, gauge := c.gauges[name]
	_, histogram := c.histograms[name]
	return counter || gauge || histogram
}

func (c *PrometheusCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *PrometheusCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.RLock()
	cv, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		cv.WithLabelValues(labelsToValues(labels)...).Add(value)
	}
}

func (c *PrometheusCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.RLock()
	gv, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		gv.WithLabelValues(labelsToValues(labels)...).Set(value)
	}
}

func (c *PrometheusCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.RLock()
	hv, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		hv.WithLabelValues(labelsToValues(labels)...).Observe(value)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// labelsToValues keeps the values of name/value pairs:
// ["source", "cache", "kind", "x"] gives ["cache", "x"].
func labelsToValues(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	values := make([]string, 0, len(labels)/2)
	for i := 1; i < len(labels); i += 2 {
		values = append(values, labels[i])
	}
	return values
}

var _ Collector = (*PrometheusCollector)(nil)
