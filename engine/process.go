package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sarchlab/m2rec/cfg"
	"github.com/sarchlab/m2rec/trace"
)

// ProcessTrace merges t into the region registry and compiles every
// region it touched that reached the hit threshold. It is called by the
// worker; tests may call it directly on an engine that is not started.
func (e *Engine) ProcessTrace(t *trace.Trace) {
	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	e.stats.TracesProcessed.Inc()

	id := t.ID()
	rec := e.traces.lookup(id)
	if rec == nil {
		e.logger.Debug("Trace: " + t.String())
		rec = e.mergeTrace(t)
		e.traces.insert(id, rec)
	} else {
		e.stats.DuplicateTraces.Inc()
	}

	for _, b := range rec.blocks {
		if b.IsCompiled {
			continue
		}
		b.Hits++
		if b.Hits >= e.config.HitThreshold && b.Compilable() {
			e.compileBlock(b)
		}
	}

	kept := rec.blocks[:0]
	for _, b := range rec.blocks {
		if !b.IsCompiled {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(rec.blocks); i++ {
		rec.blocks[i] = nil
	}
	rec.blocks = kept
}

func (e *Engine) mergeTrace(t *trace.Trace) *processedTrace {
	fn := e.registry.getOrCreate(t.FunctionAddress, t.FunctionAddress)
	rec := &processedTrace{}

	var (
		current *BlockEntry
		split   bool
	)
	for i, entry := range t.Entries {
		if entry.Type == trace.CompiledBlock {
			current = nil
			split = true
		}

		if current == nil {
			current = e.registry.getOrCreate(entry.PrimaryAddress(), t.FunctionAddress)
			rec.blocks = append(rec.blocks, current)
		}

		var next *trace.Entry
		if i+1 < len(t.Entries) {
			next = &t.Entries[i+1]
		} else if !split && t.Kind == trace.Loop {
			next = &t.Entries[0]
		}

		updateCFG(current.CFG, entry, next)
		if current != fn {
			updateCFG(fn.CFG, entry, next)
		}
	}

	return rec
}

// updateCFG records what one trace entry and its successor say about g.
func updateCFG(g *cfg.CFG, this trace.Entry, next *trace.Entry) {
	switch this.Type {
	case trace.Instruction:
		g.AddInstruction(this.Address)
		if next == nil {
			return
		}
		switch next.Type {
		case trace.Instruction, trace.CompiledBlock:
			g.AddBranch(this.Address, next.PrimaryAddress())
		case trace.FunctionCall:
			g.AddCall(this.Address, next.PrimaryAddress())
		}
	case trace.CompiledBlock:
		if next == nil {
			return
		}
		switch next.Type {
		case trace.Instruction, trace.CompiledBlock:
			g.AddBranch(this.ExitAddress, next.PrimaryAddress())
		case trace.FunctionCall:
			g.AddCall(this.ExitAddress, next.PrimaryAddress())
		}
	}
}

// compileBlock compiles b and publishes it under the ordinal of its start
// address. A failed compile leaves the previous handler in place and is not
// retried until the CFG grows. It reports whether a module was published.
func (e *Engine) compileBlock(b *BlockEntry) bool {
	e.logger.Info("Compile: " + b.String())
	e.logger.Info("CFG: " + b.CFG.String())

	ord := e.AllocateOrdinal(b.CFG.StartAddress, b.IsFunction())

	revision := b.Revision
	b.Revision++
	name := fmt.Sprintf("fn_0x%08X_%d", b.CFG.StartAddress, revision)

	m, err := e.compiler.Compile(name, b.CFG, b.IsFunction())
	if err != nil {
		b.FailedSize = b.CFG.Size()
		e.stats.CompileFailures.Inc()
		e.logger.Warn("compile failed",
			zap.String("region", name),
			zap.Int("cfg_size", b.FailedSize),
			zap.Error(err))
		return false
	}

	e.modulesMu.Lock()
	e.modules[ord] = m
	e.modulesMu.Unlock()

	e.table.store(ord, &Entry{
		Kind:     KindCompiled,
		Revision: revision,
		Name:     name,
		Exec:     m.Executable(),
	})

	if b.IsCompiled {
		e.stats.Recompilations.Inc()
	}
	e.stats.Compilations.Inc()
	b.LastCompiledSize = b.CFG.Size()
	b.FailedSize = 0
	b.IsCompiled = true

	e.logger.Debug(name + "\n" + m.Listing())
	return true
}

// RecompileMostGrown recompiles the compiled function whose CFG grew the
// most since its last compile. It reports whether a module was published.
func (e *Engine) RecompileMostGrown() bool {
	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	candidate := e.registry.mostGrownFunction()
	if candidate == nil {
		return false
	}

	e.logger.Info("Recompiling: " + candidate.String())
	return e.compileBlock(candidate)
}

// BlockInfo is a copy of a region's bookkeeping.
type BlockInfo struct {
	CFG              *cfg.CFG
	Hits             uint32
	Revision         uint32
	IsCompiled       bool
	LastCompiledSize int
	FailedSize       int
}

// Block returns a snapshot of the region (start, function), if known.
func (e *Engine) Block(start, function uint32) (BlockInfo, bool) {
	e.registryMu.Lock()
	defer e.registryMu.Unlock()

	b := e.registry.get(start, function)
	if b == nil {
		return BlockInfo{}, false
	}
	return BlockInfo{
		CFG:              b.CFG.Clone(),
		Hits:             b.Hits,
		Revision:         b.Revision,
		IsCompiled:       b.IsCompiled,
		LastCompiledSize: b.LastCompiledSize,
		FailedSize:       b.FailedSize,
	}, true
}

// CachedTraces returns the number of traces held by the de-dup cache and
// how many were evicted so far.
func (e *Engine) CachedTraces() (cached int, evicted uint64) {
	e.registryMu.Lock()
	defer e.registryMu.Unlock()
	return e.traces.len(), e.traces.evictions
}
