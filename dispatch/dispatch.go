// Package dispatch drives an emulated thread through the hybrid of
// interpreted and compiled execution. Every interpreted step is traced so
// the recompilation engine can learn the program's control flow; compiled
// regions are entered as soon as the engine publishes them.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sarchlab/m2rec/cpu"
	"github.com/sarchlab/m2rec/engine"
	"github.com/sarchlab/m2rec/insts"
	"github.com/sarchlab/m2rec/loader"
	"github.com/sarchlab/m2rec/trace"
)

// ErrCodeAddress is reported when control reaches an address that cannot
// hold a traced region.
var ErrCodeAddress = errors.New("pc outside the code address range")

// Engine is the part of the recompilation engine a dispatcher talks to.
type Engine interface {
	trace.Sink
	GetOrdinal(addr uint32) uint32
	GetExecutable(ordinal uint32) *engine.Entry
	FreeExecutable(ordinal uint32)
}

// Stats counts what a dispatcher did.
type Stats struct {
	Interpreted   atomic.Uint64
	CompiledCalls atomic.Uint64
	CacheMisses   atomic.Uint64
	Sweeps        atomic.Uint64
	Evictions     atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the clock used to schedule cache sweeps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithSweepInterval sets how often unused cache entries are dropped.
func WithSweepInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.sweepInterval = interval
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// Dispatcher is the per-thread execution driver. It implements cpu.Decoder
// and must only be used from its thread's goroutine.
type Dispatcher struct {
	thread *cpu.Thread
	engine Engine
	tracer *trace.Tracer
	logger *zap.Logger

	cache         map[uint32]*cacheEntry
	now           func() time.Time
	lastSweep     time.Time
	sweepInterval time.Duration

	stats Stats
}

// New attaches a dispatcher to t.
func New(t *cpu.Thread, e Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		thread:        t,
		engine:        e,
		tracer:        trace.NewTracer(e),
		logger:        zap.NewNop(),
		cache:         make(map[uint32]*cacheEntry),
		now:           systemClock,
		sweepInterval: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.lastSweep = d.now()
	t.Decoder = d

	return d
}

// Tracer returns the thread's tracer.
func (d *Dispatcher) Tracer() *trace.Tracer {
	return d.tracer
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() *Stats {
	return &d.stats
}

// Run executes the function at entry until the thread stops or the
// function returns. A return from the entry function exits the thread with
// X0 as its status.
func (d *Dispatcher) Run(entry uint64) int64 {
	t := d.thread
	t.Regs().PC = entry

	d.ExecuteFunction(0)
	d.tracer.Terminate()

	if !t.Stopped() {
		t.Exit(int64(t.Regs().X[0]))
	}

	d.logger.Debug("thread finished",
		zap.Int("thread", t.ID),
		zap.Int64("exit_code", t.ExitCode()),
		zap.Uint64("interpreted", d.stats.Interpreted.Load()),
		zap.Uint64("compiled_calls", d.stats.CompiledCalls.Load()),
		zap.Error(t.Err()))

	return t.ExitCode()
}

// ExecuteFunction starts tracing the function at PC and runs it.
func (d *Dispatcher) ExecuteFunction(_ uint64) uint32 {
	d.tracer.EnterFunction(uint32(d.thread.Regs().PC))
	return d.ExecuteTillReturn(0)
}

// ExecuteTillReturn runs from PC until the current function returns. A
// non-zero ctx says control arrives from compiled code that left the
// function through the exit instruction packed into it.
func (d *Dispatcher) ExecuteTillReturn(ctx uint64) uint32 {
	t := d.thread
	if ctx != 0 {
		d.tracer.ExitFromCompiledFunction(cpu.UnpackContext(ctx))
	}

	for !t.CheckStatus() {
		if t.Regs().PC > loader.MaxCodeAddress {
			d.stepOutOfRange()
			return 0
		}
		pc := uint32(t.Regs().PC)

		if exec, compiled := d.GetExecutable(pc, cpu.ExecuteTillReturn); compiled {
			d.stats.CompiledCalls.Inc()
			exit := exec(t, 0)
			d.tracer.ExitFromCompiledBlock(pc, exit)
			if exit == 0 {
				return 0
			}
			continue
		}

		word := t.Mem().Read32(uint64(pc))
		d.tracer.Instruction(pc)

		r := t.Interp.Step()
		switch {
		case r.Err != nil:
			t.Fail(r.Err)
			return 0
		case r.Exited:
			t.Exit(r.ExitCode)
			return 0
		}
		d.stats.Interpreted.Inc()

		switch insts.ClassifyBranch(word) {
		case insts.Return:
			d.tracer.Return()
			return 0
		case insts.FunctionCall:
			if callee := t.Regs().PC; callee <= loader.MaxCodeAddress {
				d.call(uint32(callee))
			}
		}
	}

	return 0
}

// stepOutOfRange interprets one instruction above the code range without
// tracing it. The thread always stops.
func (d *Dispatcher) stepOutOfRange() {
	t := d.thread
	pc := t.Regs().PC

	r := t.Interp.Step()
	switch {
	case r.Err != nil:
		t.Fail(r.Err)
	case r.Exited:
		t.Exit(r.ExitCode)
	default:
		t.Fail(fmt.Errorf("%w: 0x%X", ErrCodeAddress, pc))
	}
}

func (d *Dispatcher) call(callee uint32) {
	d.tracer.CallFunction(callee)

	exec, compiled := d.GetExecutable(callee, cpu.ExecuteFunction)
	if compiled {
		d.stats.CompiledCalls.Inc()
	}
	if ret := exec(d.thread, 0); ret != 0 {
		d.ExecuteTillReturn(cpu.PackContext(callee, ret))
	}
}
