package codegen

import (
	"github.com/sarchlab/m2rec/cfg"
	"github.com/sarchlab/m2rec/cpu"
	"github.com/sarchlab/m2rec/insts"
)

// build decodes every instruction of g and creates the block graph. Blocks
// that are referenced but not part of g become exit blocks.
func (c *Compiler) build(name string, g *cfg.CFG, linkable bool) *Module {
	m := &Module{
		Name:            name,
		StartAddress:    g.StartAddress,
		FunctionAddress: g.FunctionAddress,
		Linkable:        linkable,
		linker:          c.linker,
		blocks:          make(map[uint32]*block),
		unknownFunction: c.linker.Symbol(SymbolUnknownFunction),
		unknownBlock:    c.linker.Symbol(SymbolUnknownBlock),
	}
	m.defaultExit = &block{addr: DefaultExitAddress, exit: true}

	for _, addr := range g.Instructions() {
		b := m.blockAt(addr)
		b.word = c.mem.Read32(uint64(addr))
		b.inst = c.decoder.Decode(b.word)
	}

	for _, addr := range g.Instructions() {
		b := m.blocks[addr]
		if hasFallthrough(b.inst) {
			b.fall = m.blockAt(addr + 4)
		}
		if target, ok := b.inst.Target(uint64(addr)); ok && b.inst.Op != insts.OpBL && target <= 0xFFFFFFFF {
			b.taken = m.blockAt(uint32(target))
		}
		for _, to := range g.Branches(addr) {
			m.blockAt(to)
		}
	}

	for _, b := range m.blocks {
		if b.inst == nil {
			b.exit = true
		}
	}

	m.entry = m.blocks[g.StartAddress]

	return m
}

func staticTarget(b *block) uint32 {
	target, _ := b.inst.Target(uint64(b.addr))
	return uint32(target)
}

func hasFallthrough(inst *insts.Instruction) bool {
	switch inst.Op {
	case insts.OpB, insts.OpBR, insts.OpRET:
		return false
	default:
		return true
	}
}

// lower attaches the run function of every block.
func (m *Module) lower() {
	for _, b := range m.blocks {
		if b.exit {
			b.run = m.lowerExit(b)
		} else {
			b.run = m.lowerInstruction(b)
		}
	}
	m.defaultExit.run = m.lowerDefaultExit()
}

func (m *Module) lowerInstruction(b *block) blockFunc {
	inst := b.inst
	switch inst.Op {
	case insts.OpB:
		target := staticTarget(b)
		backward := target <= b.addr
		return func(t *cpu.Thread, _ uint32) (*block, uint32, bool) {
			if backward && t.CheckStatus() {
				t.Regs().PC = uint64(target)
				return nil, b.addr, true
			}
			return b.taken, 0, false
		}
	case insts.OpBCond, insts.OpCBZ, insts.OpCBNZ:
		target := staticTarget(b)
		backward := target <= b.addr
		return func(t *cpu.Thread, _ uint32) (*block, uint32, bool) {
			t.Interp.Execute(inst)
			if t.Regs().PC != uint64(target) {
				return b.fall, 0, false
			}
			if backward && t.CheckStatus() {
				return nil, b.addr, true
			}
			return b.taken, 0, false
		}
	case insts.OpBR:
		return func(t *cpu.Thread, _ uint32) (*block, uint32, bool) {
			t.Interp.Execute(inst)
			pc := t.Regs().PC
			if pc <= uint64(b.addr) && t.CheckStatus() {
				return nil, b.addr, true
			}
			return m.successor(b, pc), 0, false
		}
	case insts.OpRET:
		return func(t *cpu.Thread, _ uint32) (*block, uint32, bool) {
			t.Interp.Execute(inst)
			return nil, 0, true
		}
	case insts.OpBL, insts.OpBLR:
		return m.lowerCall(b)
	default:
		return func(t *cpu.Thread, _ uint32) (*block, uint32, bool) {
			r := t.Interp.Execute(inst)
			switch {
			case r.Err != nil:
				t.Fail(r.Err)
				return nil, b.addr, true
			case r.Exited:
				t.Exit(r.ExitCode)
				return nil, b.addr, true
			}
			return b.fall, 0, false
		}
	}
}

// lowerCall runs the callee through the lookup table when its address had
// an ordinal at compile time, and through the unknown-function helper
// otherwise.
func (m *Module) lowerCall(b *block) blockFunc {
	inst := b.inst

	var (
		ordinal    uint32
		hasOrdinal bool
	)
	if target, ok := inst.Target(uint64(b.addr)); ok && target <= 0xFFFFFFFF {
		ordinal, hasOrdinal = m.linker.Ordinal(uint32(target))
	}

	return func(t *cpu.Thread, _ uint32) (*block, uint32, bool) {
		t.Interp.Execute(inst)
		callee := uint32(t.Regs().PC)

		exec := m.unknownFunction
		if hasOrdinal {
			exec = m.linker.Executable(ordinal)
		} else if ord, ok := m.dynamicOrdinal(inst, callee); ok {
			exec = m.linker.Executable(ord)
		}

		if ret := exec(t, 0); ret != 0 {
			m.unknownBlock(t, cpu.PackContext(callee, ret))
		}
		if t.Stopped() {
			return nil, b.addr, true
		}
		return m.successor(b, t.Regs().PC), 0, false
	}
}

func (m *Module) dynamicOrdinal(inst *insts.Instruction, callee uint32) (uint32, bool) {
	if inst.Op != insts.OpBLR {
		return 0, false
	}
	return m.linker.Ordinal(callee)
}

func (m *Module) lowerExit(b *block) blockFunc {
	if !m.Linkable {
		return func(t *cpu.Thread, prev uint32) (*block, uint32, bool) {
			return nil, prev, true
		}
	}

	return func(t *cpu.Thread, prev uint32) (*block, uint32, bool) {
		exec := m.unknownBlock
		if b.hasContinuation {
			exec = m.linker.Executable(b.continuation)
		}
		return nil, m.finish(t, exec(t, cpu.PackContext(m.FunctionAddress, prev))), true
	}
}

func (m *Module) lowerDefaultExit() blockFunc {
	if !m.Linkable {
		return func(t *cpu.Thread, prev uint32) (*block, uint32, bool) {
			return nil, prev, true
		}
	}

	return func(t *cpu.Thread, prev uint32) (*block, uint32, bool) {
		return nil, m.unknownBlock(t, cpu.PackContext(m.FunctionAddress, prev)), true
	}
}

// finish completes a linkable exit. A non-zero result from the
// continuation is an exit address it could not resolve; the rest of the
// function then runs through the unknown-block helper.
func (m *Module) finish(t *cpu.Thread, ret uint32) uint32 {
	if ret == 0 {
		return 0
	}
	return m.unknownBlock(t, cpu.PackContext(m.FunctionAddress, ret))
}
