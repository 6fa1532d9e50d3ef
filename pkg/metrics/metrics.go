// Package metrics provides a lightweight Prometheus-compatible metrics
// registry. Counters, gauges and histograms are grouped into families by
// name; each label set is a distinct series. The registry renders the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyBuckets are histogram buckets (seconds) sized for AI backend calls.
var LatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// Counter is a monotonically increasing counter.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge can go up and down.
type Gauge struct{ val atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.val.Store(n) }
func (g *Gauge) Inc()         { g.val.Add(1) }
func (g *Gauge) Dec()         { g.val.Add(-1) }
func (g *Gauge) Value() int64 { return g.val.Load() }

// Histogram tracks the distribution of observed values using fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64 // per bucket, non-cumulative
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *Histogram {
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	return &Histogram{buckets: b, counts: make([]uint64, len(b))}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	if i := sort.SearchFloat64s(h.buckets, v); i < len(h.buckets) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) { h.Observe(time.Since(t).Seconds()) }

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

type family struct {
	kind    kind
	help    string
	buckets []float64
	series  map[string]any // label string -> *Counter | *Gauge | *Histogram
}

// Registry holds metric families.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	order    []string
}

// New creates a new Registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// series returns the series for name and labels, creating it with mk.
// Registering a name twice with different kinds panics.
func (r *Registry) series(name, help string, k kind, labels []string, mk func() any) any {
	key := labelString(labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{kind: k, help: help, series: make(map[string]any)}
		r.families[name] = f
		r.order = append(r.order, name)
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	if s, ok := f.series[key]; ok {
		return s
	}
	s := mk()
	f.series[key] = s
	return s
}

// Counter returns (or creates) the counter for name and label pairs.
func (r *Registry) Counter(name, help string, labels ...string) *Counter {
	return r.series(name, help, kindCounter, labels, func() any { return &Counter{} }).(*Counter)
}

// Gauge returns (or creates) the gauge for name and label pairs.
func (r *Registry) Gauge(name, help string, labels ...string) *Gauge {
	return r.series(name, help, kindGauge, labels, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns (or creates) the histogram for name and label pairs.
// A nil buckets slice means LatencyBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *Histogram {
	if buckets == nil {
		buckets = LatencyBuckets
	}
	return r.series(name, help, kindHistogram, labels, func() any { return newHistogram(buckets) }).(*Histogram)
}

// labelString renders k1,v1,k2,v2 as k1="v1",k2="v2". Odd trailing keys are ignored.
func labelString(kvs []string) string {
	var b strings.Builder
	for i := 0; i+1 < len(kvs); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kvs[i], kvs[i+1])
	}
	return b.String()
}

func braced(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func joinLabels(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "," + b
}

// Render returns the Prometheus text exposition format output.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, name := range r.order {
		f := r.families[name]
		if f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, f.kind)

		keys := make([]string, 0, len(f.series))
		for k := range f.series {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, labels := range keys {
			switch s := f.series[labels].(type) {
			case *Counter:
				fmt.Fprintf(&b, "%s%s %d\n", name, braced(labels), s.Value())
			case *Gauge:
				fmt.Fprintf(&b, "%s%s %d\n", name, braced(labels), s.Value())
			case *Histogram:
				s.mu.Lock()
				var cumulative uint64
				for i, upper := range s.buckets {
					cumulative += s.counts[i]
					le := fmt.Sprintf("le=%q", fmt.Sprintf("%g", upper))
					fmt.Fprintf(&b, "%s_bucket{%s} %d\n", name, joinLabels(labels, le), cumulative)
				}
				fmt.Fprintf(&b, "%s_bucket{%s} %d\n", name, joinLabels(labels, `le="+Inf"`), s.count)
				fmt.Fprintf(&b, "%s_sum%s %g\n", name, braced(labels), s.sum)
				fmt.Fprintf(&b, "%s_count%s %d\n", name, braced(labels), s.count)
				s.mu.Unlock()
			}
		}
	}
	return b.String()
}

// Handler returns an http.Handler that serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}
