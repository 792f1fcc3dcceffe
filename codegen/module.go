package codegen

import (
	"sort"

	"github.com/sarchlab/m2rec/cpu"
	"github.com/sarchlab/m2rec/insts"
)

// blockFunc runs one block. prev is the address of the block that
// transferred here. It returns the next block, or done with the region's
// result.
type blockFunc func(t *cpu.Thread, prev uint32) (next *block, ret uint32, done bool)

type block struct {
	addr uint32
	word uint32
	inst *insts.Instruction

	// exit blocks have no instruction; they leave the region.
	exit bool

	// fall is the block at addr+4, taken the static branch target.
	fall, taken *block

	// continuation is the lookup-table slot an exit continues through.
	continuation    uint32
	hasContinuation bool

	run blockFunc
}

// Module is one compiled region.
type Module struct {
	Name            string
	StartAddress    uint32
	FunctionAddress uint32
	Linkable        bool

	linker      Linker
	blocks      map[uint32]*block
	entry       *block
	defaultExit *block

	unknownFunction cpu.Executable
	unknownBlock    cpu.Executable

	exec cpu.Executable
}

// Executable returns the module's entry point.
func (m *Module) Executable() cpu.Executable {
	return m.exec
}

// Instructions returns the number of lowered instructions.
func (m *Module) Instructions() int {
	n := 0
	for _, b := range m.blocks {
		if !b.exit {
			n++
		}
	}
	return n
}

// Exits returns the addresses of the region's exit blocks in ascending
// order, excluding the default exit.
func (m *Module) Exits() []uint32 {
	var out []uint32
	for a, b := range m.blocks {
		if b.exit {
			out = append(out, a)
		}
	}
	sortAddrs(out)
	return out
}

func sortAddrs(a []uint32) {
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
}

func (m *Module) blockAt(addr uint32) *block {
	b, ok := m.blocks[addr]
	if !ok {
		b = &block{addr: addr}
		m.blocks[addr] = b
	}
	return b
}

// successor picks the block for the thread's current PC, preferring the
// direct links of b.
func (m *Module) successor(b *block, pc uint64) *block {
	switch {
	case b.fall != nil && uint64(b.fall.addr) == pc:
		return b.fall
	case b.taken != nil && uint64(b.taken.addr) == pc:
		return b.taken
	}
	if pc <= 0xFFFFFFFF {
		if next, ok := m.blocks[uint32(pc)]; ok {
			return next
		}
	}
	return m.defaultExit
}

func (m *Module) run(t *cpu.Thread, _ uint64) uint32 {
	b, prev := m.entry, uint32(0)
	for {
		if b != m.defaultExit {
			t.Regs().PC = uint64(b.addr)
		}
		next, ret, done := b.run(t, prev)
		if done {
			return ret
		}
		prev, b = b.addr, next
	}
}
