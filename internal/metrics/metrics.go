// Package metrics is the small facade the core exposes counters through.
// The actual scraping/registration surface (Prometheus, a dashboard) is
// an external collaborator per spec.md §1; this package only owns the
// plain atomic counters and renders them in the two wire formats the
// admin HTTP surface serves (/metrics Prometheus text, /metrics.json).
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing named counter.
type Counter struct {
	name  string
	help  string
	value int64
}

func (c *Counter) Inc()        { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64) { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is an arbitrarily increasing/decreasing named value.
type Gauge struct {
	name  string
	help  string
	value int64
}

func (g *Gauge) Set(n int64)   { atomic.StoreInt64(&g.value, n) }
func (g *Gauge) Inc()          { atomic.AddInt64(&g.value, 1) }
func (g *Gauge) Dec()          { atomic.AddInt64(&g.value, -1) }
func (g *Gauge) Value() int64  { return atomic.LoadInt64(&g.value) }

// Registry collects named counters/gauges and renders them for scraping.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{counters: map[string]*Counter{}, gauges: map[string]*Gauge{}}
}

// Counter returns the named counter, creating it with help text on first use.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it with help text on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// RenderPrometheus writes every registered counter/gauge in Prometheus
// text exposition format, sorted by name for stable output.
func (r *Registry) RenderPrometheus() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	names := make([]string, 0, len(r.counters)+len(r.gauges))
	kind := map[string]string{}
	for name := range r.counters {
		names = append(names, name)
		kind[name] = "counter"
	}
	for name := range r.gauges {
		names = append(names, name)
		kind[name] = "gauge"
	}
	sort.Strings(names)

	for _, name := range names {
		switch kind[name] {
		case "counter":
			c := r.counters[name]
			if c.help != "" {
				fmt.Fprintf(&b, "# HELP %s %s\n", c.name, c.help)
			}
			fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", c.name, c.name, c.Value())
		case "gauge":
			g := r.gauges[name]
			if g.help != "" {
				fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
			}
			fmt.Fprintf(&b, "# TYPE %s gauge\n%s %d\n", g.name, g.name, g.Value())
		}
	}
	return b.String()
}

// Snapshot renders every registered counter/gauge as name->value, for
// /metrics.json.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters)+len(r.gauges))
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	for name, g := range r.gauges {
		out[name] = g.Value()
	}
	return out
}
