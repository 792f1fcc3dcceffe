package engine

import (
	"fmt"

	"github.com/sarchlab/m2rec/cfg"
)

type blockKey struct {
	start, function uint32
}

// BlockEntry is the engine's record of one region: a function
// (start == function) or a block inside one.
type BlockEntry struct {
	CFG *cfg.CFG

	Hits             uint32
	Revision         uint32
	IsCompiled       bool
	LastCompiledSize int

	// FailedSize is the CFG size of the last failed compile, 0 if none.
	FailedSize int
}

// IsFunction reports whether the entry is a function's own region.
func (b *BlockEntry) IsFunction() bool {
	return b.CFG.IsFunction()
}

// Compilable reports whether the CFG changed since the last failed compile.
func (b *BlockEntry) Compilable() bool {
	return b.FailedSize == 0 || b.CFG.Size() > b.FailedSize
}

// Growth is the CFG size gained since the last compile.
func (b *BlockEntry) Growth() int {
	return b.CFG.Size() - b.LastCompiledSize
}

func (b *BlockEntry) String() string {
	return fmt.Sprintf("0x%08X (0x%08X): NumHits=%d, Revision=%d, LastCompiledCFGSize=%d, IsCompiled=%t",
		b.CFG.StartAddress, b.CFG.FunctionAddress, b.Hits, b.Revision, b.LastCompiledSize, b.IsCompiled)
}

// registry owns every BlockEntry. Only the worker mutates it; the lock
// serializes it against inspection from other goroutines.
type registry struct {
	entries map[blockKey]*BlockEntry
	order   []*BlockEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[blockKey]*BlockEntry)}
}

func (r *registry) get(start, function uint32) *BlockEntry {
	return r.entries[blockKey{start, function}]
}

func (r *registry) getOrCreate(start, function uint32) *BlockEntry {
	k := blockKey{start, function}
	b, ok := r.entries[k]
	if !ok {
		b = &BlockEntry{CFG: cfg.New(start, function)}
		r.entries[k] = b
		r.order = append(r.order, b)
	}
	return b
}

// mostGrownFunction returns the compiled function with the largest
// positive growth. Ties go to the entry created first. A function whose
// last compile failed is skipped until its CFG grows again.
func (r *registry) mostGrownFunction() *BlockEntry {
	var (
		candidate *BlockEntry
		maxGrowth int
	)
	for _, b := range r.order {
		if !b.IsFunction() || !b.IsCompiled || !b.Compilable() {
			continue
		}
		if g := b.Growth(); g > maxGrowth {
			candidate, maxGrowth = b, g
		}
	}
	return candidate
}
