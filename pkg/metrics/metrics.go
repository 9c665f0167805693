// Package metrics is a small stdlib-only registry that renders the
// Prometheus text exposition format. Label pairs are baked into the series
// name via WithLabels, so name{k="v"} and name{k="w"} are two series of one
// family.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets cover latencies from 5ms to a minute.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge goes up and down. SetFloat/FloatValue reinterpret the same cell as
// float64 bits; a gauge is either integer or float, never both.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)         { g.v.Store(n) }
func (g *Gauge) Inc()                { g.v.Add(1) }
func (g *Gauge) Dec()                { g.v.Add(-1) }
func (g *Gauge) Value() int64        { return g.v.Load() }
func (g *Gauge) SetFloat(f float64)  { g.v.Store(int64(math.Float64bits(f))) }
func (g *Gauge) FloatValue() float64 { return math.Float64frombits(uint64(g.v.Load())) }

// Histogram counts observations into fixed upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	hits   []uint64
	sum    float64
	count  uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := make([]float64, len(bounds))
	copy(b, bounds)
	sort.Float64s(b)
	return &Histogram{bounds: b, hits: make([]uint64, len(b))}
}

// Observe records v into the first bucket whose bound covers it. Buckets are
// made cumulative at render time.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, bound := range h.bounds {
		if v <= bound {
			h.hits[i]++
			return
		}
	}
}

// Since observes the seconds elapsed from t.
func (h *Histogram) Since(t time.Time) {
	h.Observe(time.Since(t).Seconds())
}

func (h *Histogram) snapshot() (bounds []float64, hits []uint64, sum float64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hits = make([]uint64, len(h.hits))
	copy(hits, h.hits)
	return h.bounds, hits, h.sum, h.count
}

// family groups the series of one metric name.
type family struct {
	typ    string
	help   string
	series []string // full names including labels, insertion order
}

// Registry holds metric families keyed by base name. All methods are safe
// for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	families   map[string]*family
	order      []string
}

func New() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		families:   make(map[string]*family),
	}
}

// register must be called with mu held.
func (r *Registry) register(name, typ, help string) {
	base := baseName(name)
	fam, ok := r.families[base]
	if !ok {
		fam = &family{typ: typ, help: help}
		r.families[base] = fam
		r.order = append(r.order, base)
	}
	fam.series = append(fam.series, name)
}

// Counter returns the counter for name, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{}
	r.counters[name] = c
	r.register(name, "counter", help)
	return c
}

// Gauge returns the gauge for name, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	r.gauges[name] = g
	r.register(name, "gauge", help)
	return g
}

// Histogram returns the histogram for name, creating it on first use. Nil
// buckets mean DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := newHistogram(buckets)
	r.histograms[name] = h
	r.register(name, "histogram", help)
	return h
}

// WithLabels appends label pairs to a metric name:
// WithLabels("docs_total", "state", "indexed") is `docs_total{state="indexed"}`.
// An odd number of pairs leaves the name unchanged.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i < len(kvs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kvs[i], kvs[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

func baseName(name string) string {
	if i := strings.IndexByte(name, '{'); i >= 0 {
		return name[:i]
	}
	return name
}

// labelBody returns the inside of the braces, or "".
func labelBody(name string) string {
	i := strings.IndexByte(name, '{')
	if i < 0 {
		return ""
	}
	return name[i+1 : len(name)-1]
}

// Render produces the text exposition format, families in registration
// order, series sorted within each family.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, base := range r.order {
		fam := r.families[base]
		if fam.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", base, fam.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", base, fam.typ)

		series := make([]string, len(fam.series))
		copy(series, fam.series)
		sort.Strings(series)

		for _, name := range series {
			switch fam.typ {
			case "counter":
				fmt.Fprintf(&b, "%s %d\n", name, r.counters[name].Value())
			case "gauge":
				fmt.Fprintf(&b, "%s %d\n", name, r.gauges[name].Value())
			case "histogram":
				r.renderHistogram(&b, base, name)
			}
		}
	}
	return b.String()
}

func (r *Registry) renderHistogram(b *strings.Builder, base, name string) {
	bounds, hits, sum, count := r.histograms[name].snapshot()
	labels := labelBody(name)

	var cum uint64
	for i, bound := range bounds {
		cum += hits[i]
		fmt.Fprintf(b, "%s_bucket{%s} %d\n", base, joinLabels(labels, fmt.Sprintf(`le="%g"`, bound)), cum)
	}
	fmt.Fprintf(b, "%s_bucket{%s} %d\n", base, joinLabels(labels, `le="+Inf"`), count)
	fmt.Fprintf(b, "%s_sum%s %g\n", base, braceLabels(labels), sum)
	fmt.Fprintf(b, "%s_count%s %d\n", base, braceLabels(labels), count)
}

func joinLabels(body, le string) string {
	if body == "" {
		return le
	}
	return body + "," + le
}

func braceLabels(body string) string {
	if body == "" {
		return ""
	}
	return "{" + body + "}"
}

// Handler serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}

// Serve blocks serving /metrics on the given port.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync runs Serve in a goroutine.
func (r *Registry) ServeAsync(port int) {
	go func() {
		if err := r.Serve(port); err != nil {
			fmt.Printf("metrics server error on port %d: %v\n", port, err)
		}
	}()
}
