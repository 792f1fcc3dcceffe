package emu

import "github.com/sarchlab/m2rec/insts"

// ALU implements ARM64 arithmetic and logic operations.
type ALU struct {
	regFile *RegFile
}

// NewALU creates a new ALU connected to the given register file.
func NewALU(regFile *RegFile) *ALU {
	return &ALU{regFile: regFile}
}

// AddSubImm performs ADD/SUB (immediate). Rn=31 reads SP; Rd=31 writes SP
// unless flags are set, in which case it is XZR.
func (a *ALU) AddSubImm(sub, is64, setFlags bool, rd, rn uint8, imm uint64) {
	op1 := a.regFile.ReadRegOrSP(rn)
	op2 := imm
	if sub {
		a.write(rd, op1-op2, is64, !setFlags)
	} else {
		a.write(rd, op1+op2, is64, !setFlags)
	}
	if setFlags {
		a.setArithFlags(sub, is64, op1, op2)
	}
}

// AddSubReg performs ADD/SUB (shifted register).
func (a *ALU) AddSubReg(sub, is64, setFlags bool, rd, rn, rm uint8, st insts.ShiftType, amount uint8) {
	op1 := a.regFile.ReadReg(rn)
	op2 := a.regFile.ReadReg(rm)
	if is64 {
		op2 = applyShift64(op2, st, amount)
	} else {
		op2 = uint64(applyShift32(uint32(op2), st, amount))
	}
	if sub {
		a.write(rd, op1-op2, is64, false)
	} else {
		a.write(rd, op1+op2, is64, false)
	}
	if setFlags {
		a.setArithFlags(sub, is64, op1, op2)
	}
}

// Logical performs AND/ORR/EOR (shifted register); ANDS sets N and Z.
func (a *ALU) Logical(op insts.Op, is64, setFlags bool, rd, rn, rm uint8, st insts.ShiftType, amount uint8) {
	op1 := a.regFile.ReadReg(rn)
	op2 := a.regFile.ReadReg(rm)
	if is64 {
		op2 = applyShift64(op2, st, amount)
	} else {
		op2 = uint64(applyShift32(uint32(op2), st, amount))
	}

	var result uint64
	switch op {
	case insts.OpAND:
		result = op1 & op2
	case insts.OpORR:
		result = op1 | op2
	case insts.OpEOR:
		result = op1 ^ op2
	}
	if !is64 {
		result = uint64(uint32(result))
	}

	a.regFile.WriteReg(rd, result)
	if setFlags {
		if is64 {
			a.setLogicFlags64(result)
		} else {
			a.setLogicFlags32(uint32(result))
		}
	}
}

func (a *ALU) write(rd uint8, v uint64, is64, spAllowed bool) {
	if !is64 {
		v = uint64(uint32(v))
	}
	if spAllowed {
		a.regFile.WriteRegOrSP(rd, v)
	} else {
		a.regFile.WriteReg(rd, v)
	}
}

func (a *ALU) setArithFlags(sub, is64 bool, op1, op2 uint64) {
	switch {
	case is64 && sub:
		a.setSubFlags64(op1, op2, op1-op2)
	case is64:
		a.setAddFlags64(op1, op2, op1+op2)
	case sub:
		a.setSubFlags32(uint32(op1), uint32(op2), uint32(op1)-uint32(op2))
	default:
		a.setAddFlags32(uint32(op1), uint32(op2), uint32(op1)+uint32(op2))
	}
}

// setAddFlags64 sets NZCV flags for 64-bit addition.
func (a *ALU) setAddFlags64(op1, op2, result uint64) {
	a.regFile.PSTATE.N = (result >> 63) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = result < op1

	// Overflow when both operands share a sign the result does not.
	op1Sign := op1 >> 63
	op2Sign := op2 >> 63
	resultSign := result >> 63
	a.regFile.PSTATE.V = (op1Sign == op2Sign) && (op1Sign != resultSign)
}

func (a *ALU) setAddFlags32(op1, op2, result uint32) {
	a.regFile.PSTATE.N = (result >> 31) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = result < op1
	op1Sign := op1 >> 31
	op2Sign := op2 >> 31
	resultSign := result >> 31
	a.regFile.PSTATE.V = (op1Sign == op2Sign) && (op1Sign != resultSign)
}

// setSubFlags64 sets NZCV flags for 64-bit subtraction. C means no borrow.
func (a *ALU) setSubFlags64(op1, op2, result uint64) {
	a.regFile.PSTATE.N = (result >> 63) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = op1 >= op2
	op1Sign := op1 >> 63
	op2Sign := op2 >> 63
	resultSign := result >> 63
	a.regFile.PSTATE.V = (op1Sign != op2Sign) && (op2Sign == resultSign)
}

func (a *ALU) setSubFlags32(op1, op2, result uint32) {
	a.regFile.PSTATE.N = (result >> 31) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = op1 >= op2
	op1Sign := op1 >> 31
	op2Sign := op2 >> 31
	resultSign := result >> 31
	a.regFile.PSTATE.V = (op1Sign != op2Sign) && (op2Sign == resultSign)
}

func (a *ALU) setLogicFlags64(result uint64) {
	a.regFile.PSTATE.N = (result >> 63) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = false
	a.regFile.PSTATE.V = false
}

func (a *ALU) setLogicFlags32(result uint32) {
	a.regFile.PSTATE.N = (result >> 31) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = false
	a.regFile.PSTATE.V = false
}

func applyShift64(value uint64, shiftType insts.ShiftType, amount uint8) uint64 {
	if amount == 0 {
		return value
	}
	switch shiftType {
	case insts.ShiftLSL:
		return value << amount
	case insts.ShiftLSR:
		return value >> amount
	case insts.ShiftASR:
		return uint64(int64(value) >> amount)
	default:
		return (value >> amount) | (value << (64 - amount))
	}
}

func applyShift32(value uint32, shiftType insts.ShiftType, amount uint8) uint32 {
	if amount == 0 {
		return value
	}
	switch shiftType {
	case insts.ShiftLSL:
		return value << amount
	case insts.ShiftLSR:
		return value >> amount
	case insts.ShiftASR:
		return uint32(int32(value) >> amount)
	default:
		return (value >> amount) | (value << (32 - amount))
	}
}
