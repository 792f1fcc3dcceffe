package codegen

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Listing disassembles the region for the diagnostic log. Exit blocks are
// listed after the instructions.
func (m *Module) Listing() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (start 0x%08X, function 0x%08X, linkable %t)\n",
		m.Name, m.StartAddress, m.FunctionAddress, m.Linkable)

	for _, addr := range m.sortedBlocks() {
		b := m.blocks[addr]
		if b.exit {
			continue
		}
		fmt.Fprintf(&sb, "  0x%08X: %08X  %s\n", addr, b.word, disassemble(b.word))
	}
	for _, addr := range m.Exits() {
		fmt.Fprintf(&sb, "  0x%08X: exit\n", addr)
	}

	return sb.String()
}

func disassemble(word uint32) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)

	inst, err := arm64asm.Decode(buf[:])
	if err != nil {
		return "?"
	}
	return inst.String()
}

func (m *Module) sortedBlocks() []uint32 {
	out := make([]uint32, 0, len(m.blocks))
	for a := range m.blocks {
		out = append(out, a)
	}
	sortAddrs(out)
	return out
}
