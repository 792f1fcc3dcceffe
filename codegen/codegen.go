// Package codegen turns the control-flow graph of one guest region into an
// executable module. Every instruction of the region is predecoded and
// lowered into a closure; closures are threaded through direct block links,
// and transfers that leave the region go through exit blocks.
package codegen

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/sarchlab/m2rec/cfg"
	"github.com/sarchlab/m2rec/cpu"
	"github.com/sarchlab/m2rec/insts"
)

// Runtime helper symbols resolved through the Linker.
const (
	SymbolUnknownFunction = "execute_unknown_function"
	SymbolUnknownBlock    = "execute_unknown_block"
)

// DefaultExitAddress names the block that collects transfers to addresses
// the region does not know statically.
const DefaultExitAddress uint32 = 0xFFFFFFFF

// ErrVerification is wrapped by every structural verification failure.
var ErrVerification = errors.New("verification failed")

// Memory provides instruction words.
type Memory interface {
	Read32(addr uint64) uint32
}

// Linker resolves everything compiled code needs from outside the region.
type Linker interface {
	// Symbol returns a runtime helper by name, or nil.
	Symbol(name string) cpu.Executable

	// Ordinal returns the lookup-table slot of a region address.
	Ordinal(addr uint32) (uint32, bool)

	// Executable reads the current handler of a lookup-table slot.
	Executable(ordinal uint32) cpu.Executable
}

// Stats accumulates time spent in each compiler phase.
type Stats struct {
	IRBuild       atomic.Duration
	Optimize      atomic.Duration
	Translate     atomic.Duration
	Total         atomic.Duration
	Compiles      atomic.Uint64
	Failures      atomic.Uint64
	JumpsThreaded atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	IRBuild   time.Duration
	Optimize  time.Duration
	Translate time.Duration
	Total     time.Duration

	Compiles      uint64
	Failures      uint64
	JumpsThreaded uint64
}

// Compiler builds modules. It is used from a single goroutine; Stats may be
// read concurrently.
type Compiler struct {
	mem     Memory
	linker  Linker
	decoder *insts.Decoder
	stats   Stats
}

// NewCompiler creates a compiler that decodes from mem and resolves
// external references through linker.
func NewCompiler(mem Memory, linker Linker) *Compiler {
	return &Compiler{
		mem:     mem,
		linker:  linker,
		decoder: insts.NewDecoder(),
	}
}

// Stats returns the accumulated phase timings.
func (c *Compiler) Stats() StatsSnapshot {
	return StatsSnapshot{
		IRBuild:       c.stats.IRBuild.Load(),
		Optimize:      c.stats.Optimize.Load(),
		Translate:     c.stats.Translate.Load(),
		Total:         c.stats.Total.Load(),
		Compiles:      c.stats.Compiles.Load(),
		Failures:      c.stats.Failures.Load(),
		JumpsThreaded: c.stats.JumpsThreaded.Load(),
	}
}

// Compile builds the module for g. With linkable set, exits try to continue
// in the rest of the function instead of returning to the dispatcher; this
// is used when g is a whole function.
func (c *Compiler) Compile(name string, g *cfg.CFG, linkable bool) (*Module, error) {
	start := time.Now()
	defer func() {
		c.stats.Total.Add(time.Since(start))
	}()

	m := c.build(name, g, linkable)
	if err := c.verify(m, g); err != nil {
		c.stats.Failures.Inc()
		c.stats.IRBuild.Add(time.Since(start))
		return nil, fmt.Errorf("compiling %s: %w", name, err)
	}
	built := time.Now()
	c.stats.IRBuild.Add(built.Sub(start))

	c.stats.JumpsThreaded.Add(uint64(c.optimize(m)))
	optimized := time.Now()
	c.stats.Optimize.Add(optimized.Sub(built))

	c.translate(m)
	c.stats.Translate.Add(time.Since(optimized))
	c.stats.Compiles.Inc()

	return m, nil
}
