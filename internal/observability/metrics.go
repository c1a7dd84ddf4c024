package observability

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricsRegistry holds all registered metrics and renders them in the
// Prometheus text exposition format.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	help  string
	mu    sync.Mutex
	value float64
}

// Gauge is a metric that can go up or down.
type Gauge struct {
	name  string
	help  string
	mu    sync.Mutex
	value float64
}

// Histogram tracks a distribution of observations.
type Histogram struct {
	name    string
	help    string
	buckets []float64
	mu      sync.Mutex
	counts  []uint64
	sum     float64
	count   uint64
}

// NewMetricsRegistry creates a new metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
	}
}

// NewCounter creates and registers a counter.
func (r *MetricsRegistry) NewCounter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// NewGauge creates and registers a gauge.
func (r *MetricsRegistry) NewGauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// NewHistogram creates and registers a histogram; nil buckets use DefaultBuckets.
func (r *MetricsRegistry) NewHistogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{name: name, help: help, buckets: buckets, counts: make([]uint64, len(buckets))}
	r.histos[name] = h
	return h
}

// DefaultBuckets returns latency buckets in seconds.
func DefaultBuckets() []float64 {
	return []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(v float64) {
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Observe records v; each bucket counts observations <= its bound.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
		}
	}
}

// ObserveDuration records the seconds elapsed since start.
func (h *Histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Handler serves the registry in Prometheus text format.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes all metrics, sorted by name.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		writeMetric(w, c.name, "counter", c.help, c.Value())
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		writeMetric(w, g.name, "gauge", g.help, g.Value())
	}
	for _, name := range sortedKeys(r.histos) {
		writeHistogram(w, r.histos[name])
	}
}

func writeMetric(w io.Writer, name, kind, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %s\n", name, help, name, kind, name, formatFloat(value))
}

func writeHistogram(w io.Writer, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", h.name, formatFloat(bound), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %s\n%s_count %d\n", h.name, formatFloat(h.sum), h.name, h.count)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IndexMetrics groups the counters the index subsystem reports.
type IndexMetrics struct {
	Registry *MetricsRegistry

	EventsTotal       *Counter
	EventErrorsTotal  *Counter
	RecordsCreated    *Counter
	RecordsUpdated    *Counter
	RecordsMoved      *Counter
	RecordsDeleted    *Counter
	ReferencesMoved   *Counter
	ReferenceFailures *Counter
	ParseMisses       *Counter
	RebuildsTotal     *Counter
	RebuildDuration   *Histogram
	RebuildFilesLast  *Gauge
	ReconcileDuration *Histogram
}

// NewIndexMetrics registers the index metrics in a fresh registry.
func NewIndexMetrics() *IndexMetrics {
	r := NewMetricsRegistry()
	return &IndexMetrics{
		Registry: r,

		EventsTotal:      r.NewCounter("alindex_events_total", "File events handled"),
		EventErrorsTotal: r.NewCounter("alindex_event_errors_total", "File events that failed"),

		RecordsCreated: r.NewCounter("alindex_records_created_total", "Index records created"),
		RecordsUpdated: r.NewCounter("alindex_records_updated_total", "Index records updated in place"),
		RecordsMoved:   r.NewCounter("alindex_records_moved_total", "Index records moved to a new identity"),
		RecordsDeleted: r.NewCounter("alindex_records_deleted_total", "Index records soft-deleted"),

		ReferencesMoved:   r.NewCounter("alindex_references_moved_total", "Reverse references rewritten during moves"),
		ReferenceFailures: r.NewCounter("alindex_reference_failures_total", "Reverse reference updates that failed"),
		ParseMisses:       r.NewCounter("alindex_parse_misses_total", "Files without a recognised object header"),

		RebuildsTotal:     r.NewCounter("alindex_rebuilds_total", "Full index rebuilds"),
		RebuildDuration:   r.NewHistogram("alindex_rebuild_duration_seconds", "Full index rebuild duration", []float64{0.1, 0.5, 1, 5, 15, 60, 300}),
		RebuildFilesLast:  r.NewGauge("alindex_rebuild_files", "Source files visited by the last rebuild"),
		ReconcileDuration: r.NewHistogram("alindex_reconcile_duration_seconds", "Per-event reconciliation duration", nil),
	}
}

// Handler returns the metrics endpoint.
func (m *IndexMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// String renders the registry, mainly for tests and the CLI.
func (m *IndexMetrics) String() string {
	var b strings.Builder
	m.Registry.WritePrometheus(&b)
	return b.String()
}
