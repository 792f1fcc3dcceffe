// Package engine implements the process-wide recompilation engine. It
// consumes execution traces from emulated threads, merges them into
// per-region control-flow graphs, compiles hot regions in a background
// worker and publishes their entry points in a lock-free ordinal table.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sarchlab/m2rec/cfg"
	"github.com/sarchlab/m2rec/codegen"
	"github.com/sarchlab/m2rec/cpu"
	"github.com/sarchlab/m2rec/trace"
)

// Module is a compiled region as seen by the engine.
type Module interface {
	Executable() cpu.Executable
	Listing() string
}

// Compiler turns a region's CFG into a Module.
type Compiler interface {
	Compile(name string, g *cfg.CFG, linkable bool) (Module, error)
	Stats() codegen.StatsSnapshot
}

type codegenCompiler struct {
	*codegen.Compiler
}

func (c codegenCompiler) Compile(name string, g *cfg.CFG, linkable bool) (Module, error) {
	m, err := c.Compiler.Compile(name, g, linkable)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(c *Config) Option {
	return func(e *Engine) {
		e.config = c
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCompiler replaces the code generator.
func WithCompiler(c Compiler) Option {
	return func(e *Engine) {
		e.compiler = c
	}
}

// Engine is the recompilation service shared by all emulated threads of a
// process.
type Engine struct {
	config   *Config
	logger   *zap.Logger
	compiler Compiler

	pendingMu sync.Mutex
	pending   []*trace.Trace
	wake      chan struct{}

	ordinalMu   sync.Mutex
	ordinals    map[uint32]uint32
	nextOrdinal uint32
	table       *ExecutableTable

	modulesMu sync.Mutex
	modules   map[uint32]Module

	registryMu sync.Mutex
	registry   *registry
	traces     *traceCache

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	stats Stats
}

// New creates an engine that compiles code read from mem.
func New(mem codegen.Memory, opts ...Option) *Engine {
	e := &Engine{
		config:   DefaultConfig(),
		logger:   zap.NewNop(),
		wake:     make(chan struct{}, 1),
		ordinals: make(map[uint32]uint32),
		modules:  make(map[uint32]Module),
		registry: newRegistry(),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.compiler == nil {
		e.compiler = codegenCompiler{codegen.NewCompiler(mem, e)}
	}
	e.table = newExecutableTable(e.config.OrdinalCapacity)
	e.traces = newTraceCache(e.config.TraceCacheSets, e.config.TraceCacheWays)

	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config {
	return e.config
}

// Table exposes the executable lookup table for inspection.
func (e *Engine) Table() *ExecutableTable {
	return e.table
}

// Start launches the worker. It runs until ctx is cancelled or Stop is
// called. Calling Start more than once has no effect.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)
		go e.run(ctx)
	})
}

// Stop signals the worker to exit and waits for it. It is safe to call
// on an engine that was never started.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.startOnce.Do(func() {
			close(e.done)
		})
		if e.cancel != nil {
			e.cancel()
		}
	})
	<-e.done
}

// NotifyTrace queues a finished trace and wakes the worker, starting it on
// first use.
func (e *Engine) NotifyTrace(t *trace.Trace) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, t)
	e.pendingMu.Unlock()

	e.Start(context.Background())

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dequeue() *trace.Trace {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	if len(e.pending) == 0 {
		return nil
	}
	t := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	return t
}

// Pending returns the number of queued traces.
func (e *Engine) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	start := time.Now()
	idling := false
	timer := time.NewTimer(e.config.IdleWait())
	defer timer.Stop()

	for ctx.Err() == nil {
		worked := false

		if t := e.dequeue(); t != nil {
			e.ProcessTrace(t)
			worked = true
			idling = false
		}

		if idling {
			recompileStart := time.Now()
			worked = e.RecompileMostGrown()
			e.stats.RecompileTime.Add(time.Since(recompileStart))
		}

		if !worked {
			idling = true
			idleStart := time.Now()
			timer.Reset(e.config.IdleWait())
			select {
			case <-ctx.Done():
			case <-e.wake:
			case <-timer.C:
			}
			timer.Stop()
			e.stats.IdleTime.Add(time.Since(idleStart))
		}
	}

	e.stats.TotalTime.Store(time.Since(start))
	e.logReport()
}

// AllocateOrdinal returns the stable ordinal of addr, allocating it and
// publishing the default handler first if needed. Running out of slots
// panics: the table capacity is a configuration limit.
func (e *Engine) AllocateOrdinal(addr uint32, isFunction bool) uint32 {
	e.ordinalMu.Lock()
	defer e.ordinalMu.Unlock()

	if ord, ok := e.ordinals[addr]; ok {
		return ord
	}

	if int(e.nextOrdinal) >= e.table.Capacity() {
		panic(fmt.Sprintf("engine: ordinal table exhausted (capacity %d) allocating 0x%08X",
			e.table.Capacity(), addr))
	}

	ord := e.nextOrdinal
	e.nextOrdinal++
	if isFunction {
		e.table.store(ord, defaultFunctionEntry)
	} else {
		e.table.store(ord, defaultBlockEntry)
	}
	e.ordinals[addr] = ord
	e.stats.OrdinalsAllocated.Inc()

	return ord
}

// GetOrdinal returns the ordinal of addr or NoOrdinal.
func (e *Engine) GetOrdinal(addr uint32) uint32 {
	e.ordinalMu.Lock()
	defer e.ordinalMu.Unlock()

	if ord, ok := e.ordinals[addr]; ok {
		return ord
	}
	return NoOrdinal
}

// GetExecutable returns the current entry of an allocated ordinal.
func (e *Engine) GetExecutable(ordinal uint32) *Entry {
	return e.table.Load(ordinal)
}

// FreeExecutable releases the engine-side state of the module last
// published for ordinal. The published handler stays callable; callers
// must not rely on it after freeing.
func (e *Engine) FreeExecutable(ordinal uint32) {
	e.modulesMu.Lock()
	defer e.modulesMu.Unlock()

	if _, ok := e.modules[ordinal]; !ok {
		return
	}
	delete(e.modules, ordinal)
	e.stats.Frees.Inc()

	if entry := e.table.Load(ordinal); entry != nil {
		e.logger.Debug("Free: "+entry.Name, zap.Uint32("ordinal", ordinal))
	}
}

// Module returns the live module for ordinal, if any.
func (e *Engine) Module(ordinal uint32) (Module, bool) {
	e.modulesMu.Lock()
	defer e.modulesMu.Unlock()

	m, ok := e.modules[ordinal]
	return m, ok
}

// Symbol resolves the runtime helpers compiled code calls.
func (e *Engine) Symbol(name string) cpu.Executable {
	switch name {
	case codegen.SymbolUnknownFunction:
		return cpu.ExecuteFunction
	case codegen.SymbolUnknownBlock:
		return cpu.ExecuteTillReturn
	default:
		return nil
	}
}

// Ordinal implements codegen.Linker.
func (e *Engine) Ordinal(addr uint32) (uint32, bool) {
	ord := e.GetOrdinal(addr)
	return ord, ord != NoOrdinal
}

// Executable implements codegen.Linker.
func (e *Engine) Executable(ordinal uint32) cpu.Executable {
	entry := e.table.Load(ordinal)
	if entry == nil {
		return nil
	}
	return entry.Exec
}
