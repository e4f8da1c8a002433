// Package metrics provides an optional timing aggregator. It is
// intentionally tiny: a named counter/sum pair per call site, printed as
// a table by Report. The Builder records into one; no command-line flag
// prints its report.
package metrics

import (
	"fmt"
	"io"
	"time"
)

// Metric accumulates call count and total elapsed time for one named
// code path.
type Metric struct {
	Name  string
	Count int
	Sum   time.Duration
}

// Metrics is the registry of named metrics for one process. A nil
// *Metrics disables recording entirely; Scope on a nil receiver returns
// a no-op function, so call sites don't need to guard every call.
type Metrics struct {
	byName map[string]*Metric
	order  []*Metric
}

func New() *Metrics {
	return &Metrics{byName: make(map[string]*Metric)}
}

// Scope starts timing a call path and returns a function that stops it.
// Typical use: `defer m.Scope("RecomputeDirty")()`.
func (m *Metrics) Scope(name string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.record(name, time.Since(start))
	}
}

func (m *Metrics) record(name string, d time.Duration) {
	metric, ok := m.byName[name]
	if !ok {
		metric = &Metric{Name: name}
		m.byName[name] = metric
		m.order = append(m.order, metric)
	}
	metric.Count++
	metric.Sum += d
}

// Report prints a summary table, one row per metric, with the first
// column aligned to the widest name.
func (m *Metrics) Report(w io.Writer) {
	if m == nil {
		return
	}
	width := len("metric")
	for _, metric := range m.order {
		if len(metric.Name) > width {
			width = len(metric.Name)
		}
	}
	fmt.Fprintf(w, "%-*s\t%-6s\t%-9s\t%s\n", width, "metric", "count", "avg (us)", "total (ms)")
	for _, metric := range m.order {
		avgUS := float64(0)
		if metric.Count > 0 {
			avgUS = float64(metric.Sum.Microseconds()) / float64(metric.Count)
		}
		fmt.Fprintf(w, "%-*s\t%-6d\t%-8.1f\t%.1f\n", width, metric.Name, metric.Count, avgUS,
			float64(metric.Sum.Microseconds())/1000.0)
	}
}
