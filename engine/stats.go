package engine

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Stats counts engine activity. Compiler phase timings live in the
// compiler's own stats and are merged by Snapshot.
type Stats struct {
	TotalTime     atomic.Duration
	RecompileTime atomic.Duration
	IdleTime      atomic.Duration

	TracesProcessed   atomic.Uint64
	DuplicateTraces   atomic.Uint64
	Compilations      atomic.Uint64
	Recompilations    atomic.Uint64
	CompileFailures   atomic.Uint64
	OrdinalsAllocated atomic.Uint64
	Frees             atomic.Uint64
}

// StatsSnapshot is a point-in-time view of the engine and its compiler.
type StatsSnapshot struct {
	TotalTime     time.Duration
	CompileTime   time.Duration
	IRBuildTime   time.Duration
	OptimizeTime  time.Duration
	TranslateTime time.Duration
	RecompileTime time.Duration
	IdleTime      time.Duration

	TracesProcessed   uint64
	DuplicateTraces   uint64
	Compilations      uint64
	Recompilations    uint64
	CompileFailures   uint64
	OrdinalsAllocated uint64
	Frees             uint64
}

// MiscTime is the worker time spent neither compiling nor idling.
func (s StatsSnapshot) MiscTime() time.Duration {
	return s.TotalTime - s.IdleTime - s.CompileTime
}

// Stats returns a snapshot of the engine statistics. TotalTime is only
// set once the worker has exited.
func (e *Engine) Stats() StatsSnapshot {
	c := e.compiler.Stats()
	return StatsSnapshot{
		TotalTime:         e.stats.TotalTime.Load(),
		CompileTime:       c.Total,
		IRBuildTime:       c.IRBuild,
		OptimizeTime:      c.Optimize,
		TranslateTime:     c.Translate,
		RecompileTime:     e.stats.RecompileTime.Load(),
		IdleTime:          e.stats.IdleTime.Load(),
		TracesProcessed:   e.stats.TracesProcessed.Load(),
		DuplicateTraces:   e.stats.DuplicateTraces.Load(),
		Compilations:      e.stats.Compilations.Load(),
		Recompilations:    e.stats.Recompilations.Load(),
		CompileFailures:   e.stats.CompileFailures.Load(),
		OrdinalsAllocated: e.stats.OrdinalsAllocated.Load(),
		Frees:             e.stats.Frees.Load(),
	}
}

// Report formats the snapshot as the worker's exit summary.
func (s StatsSnapshot) Report() []string {
	ms := func(d time.Duration) int64 { return d.Milliseconds() }
	return []string{
		fmt.Sprintf("Total time                      = %dms", ms(s.TotalTime)),
		fmt.Sprintf("    Time spent compiling        = %dms", ms(s.CompileTime)),
		fmt.Sprintf("        Time spent building IR  = %dms", ms(s.IRBuildTime)),
		fmt.Sprintf("        Time spent optimizing   = %dms", ms(s.OptimizeTime)),
		fmt.Sprintf("        Time spent translating  = %dms", ms(s.TranslateTime)),
		fmt.Sprintf("    Time spent recompiling      = %dms", ms(s.RecompileTime)),
		fmt.Sprintf("    Time spent idling           = %dms", ms(s.IdleTime)),
		fmt.Sprintf("    Time spent doing misc tasks = %dms", ms(s.MiscTime())),
		fmt.Sprintf("Ordinals allocated              = %d", s.OrdinalsAllocated),
	}
}

func (e *Engine) logReport() {
	for _, line := range e.Stats().Report() {
		e.logger.Info(line)
	}
}

// Collector exports engine statistics to Prometheus.
type Collector struct {
	engine *Engine

	seconds  *prometheus.Desc
	counters *prometheus.Desc
}

// NewCollector creates a collector reading from e.
func NewCollector(e *Engine) *Collector {
	return &Collector{
		engine: e,
		seconds: prometheus.NewDesc(
			"m2rec_engine_seconds_total",
			"Time spent by the recompilation worker, by phase.",
			[]string{"phase"}, nil),
		counters: prometheus.NewDesc(
			"m2rec_engine_events_total",
			"Recompilation engine event counts.",
			[]string{"event"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.seconds
	ch <- c.counters
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Stats()

	phases := []struct {
		name string
		d    time.Duration
	}{
		{"compile", s.CompileTime},
		{"ir_build", s.IRBuildTime},
		{"optimize", s.OptimizeTime},
		{"translate", s.TranslateTime},
		{"recompile", s.RecompileTime},
		{"idle", s.IdleTime},
	}
	for _, p := range phases {
		ch <- prometheus.MustNewConstMetric(c.seconds, prometheus.CounterValue,
			p.d.Seconds(), p.name)
	}

	events := []struct {
		name string
		n    uint64
	}{
		{"traces_processed", s.TracesProcessed},
		{"duplicate_traces", s.DuplicateTraces},
		{"compilations", s.Compilations},
		{"recompilations", s.Recompilations},
		{"compile_failures", s.CompileFailures},
		{"ordinals_allocated", s.OrdinalsAllocated},
		{"frees", s.Frees},
	}
	for _, ev := range events {
		ch <- prometheus.MustNewConstMetric(c.counters, prometheus.CounterValue,
			float64(ev.n), ev.name)
	}
}
