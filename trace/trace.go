// Package trace records the control transfers an emulated thread performs
// and batches them into execution traces for the recompilation engine.
package trace

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// EntryType is the kind of a trace entry.
type EntryType uint8

// Entry types.
const (
	Instruction EntryType = iota
	FunctionCall
	CompiledBlock
)

func (t EntryType) String() string {
	switch t {
	case Instruction:
		return "I"
	case FunctionCall:
		return "F"
	case CompiledBlock:
		return "C"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// Entry is one observed control-flow event.
type Entry struct {
	Type EntryType

	// Address is the instruction address, the call target or the compiled
	// block's entry address.
	Address uint32

	// ExitAddress is the exit instruction of a compiled block.
	ExitAddress uint32
}

// PrimaryAddress is the address the entry is keyed by.
func (e Entry) PrimaryAddress() uint32 {
	return e.Address
}

func (e Entry) String() string {
	if e.Type == CompiledBlock {
		return fmt.Sprintf("%s:0x%08X-0x%08X", e.Type, e.Address, e.ExitAddress)
	}
	return fmt.Sprintf("%s:0x%08X", e.Type, e.Address)
}

// Kind tells how a trace ended.
type Kind uint8

// Trace kinds.
const (
	// Linear traces end with a return.
	Linear Kind = iota
	// Loop traces end when control comes back to an address already in the
	// trace.
	Loop
)

func (k Kind) String() string {
	if k == Loop {
		return "Loop"
	}
	return "Linear"
}

// Trace is an ordered run of entries within one function.
type Trace struct {
	FunctionAddress uint32
	Kind            Kind
	Entries         []Entry
}

// ID is a content hash used to recognise repeated traces.
func (t *Trace) ID() uint64 {
	buf := make([]byte, 0, 5+9*len(t.Entries))
	buf = binary.LittleEndian.AppendUint32(buf, t.FunctionAddress)
	buf = append(buf, byte(t.Kind))
	for _, e := range t.Entries {
		buf = append(buf, byte(e.Type))
		buf = binary.LittleEndian.AppendUint32(buf, e.Address)
		buf = binary.LittleEndian.AppendUint32(buf, e.ExitAddress)
	}
	return xxhash.Sum64(buf)
}

func (t *Trace) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "0x%08X %s:", t.FunctionAddress, t.Kind)
	for _, e := range t.Entries {
		sb.WriteByte(' ')
		sb.WriteString(e.String())
	}
	return sb.String()
}
