package codegen

import (
	"fmt"

	"github.com/sarchlab/m2rec/cfg"
	"github.com/sarchlab/m2rec/insts"
)

// verify checks that the block graph is well formed.
func (c *Compiler) verify(m *Module, g *cfg.CFG) error {
	if m.unknownFunction == nil {
		return fmt.Errorf("%w: unresolved symbol %s", ErrVerification, SymbolUnknownFunction)
	}
	if m.unknownBlock == nil {
		return fmt.Errorf("%w: unresolved symbol %s", ErrVerification, SymbolUnknownBlock)
	}
	if m.entry == nil || m.entry.exit {
		return fmt.Errorf("%w: entry 0x%08X is not an instruction of the region",
			ErrVerification, g.StartAddress)
	}

	for _, addr := range g.Instructions() {
		b := m.blocks[addr]
		if addr%4 != 0 {
			return fmt.Errorf("%w: misaligned instruction at 0x%08X", ErrVerification, addr)
		}
		if b.inst.Op == insts.OpUnknown {
			return fmt.Errorf("%w: unknown instruction 0x%08X at 0x%08X",
				ErrVerification, b.word, addr)
		}

		switch b.inst.Op {
		case insts.OpB, insts.OpBCond, insts.OpCBZ, insts.OpCBNZ:
			if b.taken == nil {
				return fmt.Errorf("%w: branch at 0x%08X leaves the address space",
					ErrVerification, addr)
			}
		}
		if hasFallthrough(b.inst) && b.fall == nil {
			return fmt.Errorf("%w: no fallthrough block for 0x%08X", ErrVerification, addr)
		}
	}

	return nil
}

// optimize threads links through chains of forward unconditional
// branches. It returns the number of links rewritten.
func (c *Compiler) optimize(m *Module) int {
	n := 0
	for _, b := range m.blocks {
		if b.exit {
			continue
		}
		if next := threadJump(b.fall); next != b.fall {
			b.fall = next
			n++
		}
		if next := threadJump(b.taken); next != b.taken {
			b.taken = next
			n++
		}
	}
	return n
}

func threadJump(b *block) *block {
	for b != nil && !b.exit && b.inst.Op == insts.OpB && b.taken.addr > b.addr {
		b = b.taken
	}
	return b
}

// translate resolves exit continuations, lowers every block and freezes
// the entry point.
func (c *Compiler) translate(m *Module) {
	if m.Linkable {
		for _, b := range m.blocks {
			if b.exit {
				b.continuation, b.hasContinuation = m.linker.Ordinal(b.addr)
			}
		}
	}

	m.lower()
	m.exec = m.run
}
