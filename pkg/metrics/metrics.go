// Package metrics provides metrics collection for the insight engine.
// It includes a small Collector interface and a Prometheus implementation.
package metrics

import (
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
// Labels are passed as name/value pairs: "status", "200", "method", "GET".
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// =============================================================================
// Metric Types
// =============================================================================

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"` // For histograms
}

// =============================================================================
// Engine metrics
// =============================================================================

var (
	// Upstream transport metrics
	UpstreamRequestsTotal = MetricDefinition{
		Name:   "insight_upstream_requests_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of requests made to the upstream tracker",
		Labels: []string{"status"},
	}
	UpstreamRequestDuration = MetricDefinition{
		Name:    "insight_upstream_request_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of upstream requests in seconds",
		Labels:  []string{},
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}
	UpstreamPagesTotal = MetricDefinition{
		Name:   "insight_upstream_pages_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of result pages followed during pagination",
		Labels: []string{},
	}

	// Findings cache metrics
	CacheRefreshesTotal = MetricDefinition{
		Name:   "insight_cache_refreshes_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of findings cache refreshes",
		Labels: []string{"status"},
	}
	CacheRefreshDuration = MetricDefinition{
		Name:    "insight_cache_refresh_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of findings cache refreshes in seconds",
		Labels:  []string{},
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}
	CacheReadsTotal = MetricDefinition{
		Name:   "insight_cache_reads_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of findings cache reads",
		Labels: []string{"result"},
	}
	CacheFindings = MetricDefinition{
		Name:   "insight_cache_findings",
		Type:   MetricTypeGauge,
		Help:   "Number of findings in the current cache snapshot",
		Labels: []string{},
	}

	// Validation metrics
	RecordsRejectedTotal = MetricDefinition{
		Name:   "insight_records_rejected_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of upstream records dropped by schema validation",
		Labels: []string{},
	}

	// Resolver metrics
	ResolutionsTotal = MetricDefinition{
		Name:   "insight_resolutions_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of entity name resolutions by stage",
		Labels: []string{"entity", "stage"},
	}

	// Analysis and query metrics
	AnalysesTotal = MetricDefinition{
		Name:   "insight_analyses_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of analyses run by kind",
		Labels: []string{"kind"},
	}
	AnalysisDuration = MetricDefinition{
		Name:    "insight_analysis_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of analyses in seconds, including any cache refresh",
		Labels:  []string{"kind"},
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}
	QueriesTotal = MetricDefinition{
		Name:   "insight_queries_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of finding queries by source",
		Labels: []string{"source"},
	}

	// Service surface metrics
	OperationsTotal = MetricDefinition{
		Name:   "insight_operations_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of service operations by outcome",
		Labels: []string{"operation", "outcome"},
	}
)

// AllDefinitions returns every metric the engine reports.
func AllDefinitions() []MetricDefinition {
	return []MetricDefinition{
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		UpstreamPagesTotal,
		CacheRefreshesTotal,
		CacheRefreshDuration,
		CacheReadsTotal,
		CacheFindings,
		RecordsRejectedTotal,
		ResolutionsTotal,
		AnalysesTotal,
		AnalysisDuration,
		QueriesTotal,
		OperationsTotal,
	}
}

// =============================================================================
// NopCollector - No-operation implementation
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (c *NopCollector) Handler() http.Handler                                         { return http.NotFoundHandler() }

// =============================================================================
// InMemoryCollector - Simple in-memory implementation for testing
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i < len(labels); i += 2 {
		if i+1 < len(labels) {
			key += "," + labels[i] + "=" + labels[i+1]
		}
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)] = value
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// =============================================================================
// Timer - Helper for timing operations
// =============================================================================

// Timer is a helper for timing operations and recording to histograms.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer creates a new timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// OrNop returns c, or a NopCollector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return &NopCollector{}
	}
	return c
}

// =============================================================================
// Interface compliance
// =============================================================================

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
