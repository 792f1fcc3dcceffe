// Package loader reads ARM64 ELF executables into the guest address space.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/sarchlab/m2rec/emu"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// DefaultStackTop is the initial stack pointer. Only code has to live in
// the low 4 GiB, so the stack keeps the usual high user-space address.
const DefaultStackTop = 0x7ffffffff000

// DefaultStackSize is the stack reserved per guest thread (8MB).
const DefaultStackSize = 8 * 1024 * 1024

// MaxCodeAddress bounds executable segments and the entry point: region
// addresses are 32-bit.
const MaxCodeAddress = 0xFFFFFFFF

// Loader errors.
var (
	ErrNotELF64     = errors.New("not a 64-bit ELF file")
	ErrNotARM64     = errors.New("not an ARM64 ELF file")
	ErrCodeTooHigh  = errors.New("code above the 32-bit address range")
	ErrNoEntryPoint = errors.New("entry point outside every executable segment")
)

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the virtual address where this segment should be loaded.
	VirtAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Executable reports whether the segment holds code.
func (s *Segment) Executable() bool {
	return s.Flags&SegmentFlagExecute != 0
}

// Contains reports whether addr falls inside the segment's memory image.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.VirtAddr && addr-s.VirtAddr < s.MemSize
}

// Program is a parsed executable.
type Program struct {
	EntryPoint uint64
	Segments   []Segment
	InitialSP  uint64
}

// Load parses an ARM64 ELF binary. Executable segments and the entry point
// must be addressable by the recompiler.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return nil, ErrNotELF64
	}
	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("%w (machine type: %v)", ErrNotARM64, f.Machine)
	}

	prog := &Program{
		EntryPoint: f.Entry,
		InitialSP:  DefaultStackTop,
	}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		seg, err := readSegment(phdr)
		if err != nil {
			return nil, err
		}
		prog.Segments = append(prog.Segments, seg)
	}

	if err := prog.validate(); err != nil {
		return nil, err
	}

	return prog, nil
}

func readSegment(phdr *elf.Prog) (Segment, error) {
	data := make([]byte, phdr.Filesz)
	if phdr.Filesz > 0 {
		n, err := phdr.ReadAt(data, 0)
		if err != nil && err != io.EOF {
			return Segment{}, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
		}
		if uint64(n) != phdr.Filesz {
			return Segment{}, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
				phdr.Vaddr, n, phdr.Filesz)
		}
	}

	var flags SegmentFlags
	if phdr.Flags&elf.PF_X != 0 {
		flags |= SegmentFlagExecute
	}
	if phdr.Flags&elf.PF_W != 0 {
		flags |= SegmentFlagWrite
	}
	if phdr.Flags&elf.PF_R != 0 {
		flags |= SegmentFlagRead
	}

	return Segment{
		VirtAddr: phdr.Vaddr,
		Data:     data,
		MemSize:  phdr.Memsz,
		Flags:    flags,
	}, nil
}

func (p *Program) validate() error {
	entryFound := false
	for i := range p.Segments {
		s := &p.Segments[i]
		if !s.Executable() {
			continue
		}
		if s.MemSize > 0 && s.VirtAddr+s.MemSize-1 > MaxCodeAddress {
			return fmt.Errorf("%w: segment 0x%x-0x%x", ErrCodeTooHigh,
				s.VirtAddr, s.VirtAddr+s.MemSize)
		}
		if s.Contains(p.EntryPoint) {
			entryFound = true
		}
	}

	if !entryFound {
		return fmt.Errorf("%w: 0x%x", ErrNoEntryPoint, p.EntryPoint)
	}
	return nil
}

// LoadInto copies every segment into mem, zero-filling BSS.
func (p *Program) LoadInto(mem *emu.Memory) {
	for _, seg := range p.Segments {
		mem.LoadProgram(seg.VirtAddr, seg.Data)

		filesz := uint64(len(seg.Data))
		if seg.MemSize > filesz {
			mem.LoadProgram(seg.VirtAddr+filesz, make([]byte, seg.MemSize-filesz))
		}
	}
}
