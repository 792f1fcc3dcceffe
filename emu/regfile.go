// Package emu provides functional ARM64 emulation: the register file, the
// guest address space and the single-step interpreter used as the fallback
// tier of the hybrid recompiler.
package emu

// RegFile represents the ARM64 register file.
type RegFile struct {
	// X holds general-purpose registers X0-X30.
	// X[31] is never written; register 31 reads as XZR or SP depending on
	// the instruction.
	X [32]uint64

	// SP is the stack pointer.
	SP uint64

	// PC is the program counter.
	PC uint64

	// PSTATE holds the processor state flags.
	PSTATE PSTATE
}

// PSTATE represents the processor state flags.
type PSTATE struct {
	N bool
	Z bool
	C bool
	V bool
}

// LinkRegister is X30, written by BL/BLR and read by RET.
const LinkRegister = 30

// ReadReg reads a register value. Register 31 returns 0 (XZR).
func (r *RegFile) ReadReg(reg uint8) uint64 {
	if reg >= 31 {
		return 0
	}
	return r.X[reg]
}

// ReadRegOrSP reads a register value, treating register 31 as SP (not XZR).
// This is used by instructions like ADD/SUB immediate where Rn=31 means SP.
func (r *RegFile) ReadRegOrSP(reg uint8) uint64 {
	if reg == 31 {
		return r.SP
	}
	return r.X[reg]
}

// WriteRegOrSP writes a register value, treating register 31 as SP (not XZR).
func (r *RegFile) WriteRegOrSP(reg uint8, value uint64) {
	if reg == 31 {
		r.SP = value
		return
	}
	r.X[reg] = value
}

// WriteReg writes a value to a register. Writes to register 31+ are ignored.
func (r *RegFile) WriteReg(reg uint8, value uint64) {
	if reg >= 31 {
		return
	}
	r.X[reg] = value
}

// Clone returns a copy of the register file.
func (r *RegFile) Clone() RegFile {
	return *r
}
