package emu

import "github.com/sarchlab/m2rec/insts"

// BranchUnit implements ARM64 branch operations. All methods expect PC to
// hold the address of the branch instruction itself.
type BranchUnit struct {
	regFile *RegFile
}

// NewBranchUnit creates a new BranchUnit connected to the given register file.
func NewBranchUnit(regFile *RegFile) *BranchUnit {
	return &BranchUnit{regFile: regFile}
}

// B performs an unconditional PC-relative branch.
func (b *BranchUnit) B(offset int64) {
	b.regFile.PC = uint64(int64(b.regFile.PC) + offset)
}

// BL saves PC+4 to X30 and branches to PC + offset.
func (b *BranchUnit) BL(offset int64) {
	b.regFile.WriteReg(LinkRegister, b.regFile.PC+4)
	b.regFile.PC = uint64(int64(b.regFile.PC) + offset)
}

// BR branches to the address in Rn.
func (b *BranchUnit) BR(rn uint8) {
	b.regFile.PC = b.regFile.ReadReg(rn)
}

// BLR saves PC+4 to X30 and branches to the address in Rn.
func (b *BranchUnit) BLR(rn uint8) {
	// Read target first in case rn == 30.
	target := b.regFile.ReadReg(rn)
	b.regFile.WriteReg(LinkRegister, b.regFile.PC+4)
	b.regFile.PC = target
}

// RET branches to the address in Rn, normally X30.
func (b *BranchUnit) RET(rn uint8) {
	b.regFile.PC = b.regFile.ReadReg(rn)
}

// BCond branches to PC + offset when cond holds, and falls through otherwise.
func (b *BranchUnit) BCond(offset int64, cond insts.Cond) {
	if b.CheckCondition(cond) {
		b.regFile.PC = uint64(int64(b.regFile.PC) + offset)
		return
	}
	b.regFile.PC += 4
}

// CompareBranch implements CBZ (nonZero false) and CBNZ (nonZero true).
func (b *BranchUnit) CompareBranch(rt uint8, is64, nonZero bool, offset int64) {
	v := b.regFile.ReadReg(rt)
	if !is64 {
		v = uint64(uint32(v))
	}
	if (v != 0) == nonZero {
		b.regFile.PC = uint64(int64(b.regFile.PC) + offset)
		return
	}
	b.regFile.PC += 4
}

// CheckCondition evaluates an ARM64 condition code against the current PSTATE flags.
func (b *BranchUnit) CheckCondition(cond insts.Cond) bool {
	pstate := &b.regFile.PSTATE

	switch cond {
	case insts.CondEQ:
		return pstate.Z
	case insts.CondNE:
		return !pstate.Z
	case insts.CondCS:
		return pstate.C
	case insts.CondCC:
		return !pstate.C
	case insts.CondMI:
		return pstate.N
	case insts.CondPL:
		return !pstate.N
	case insts.CondVS:
		return pstate.V
	case insts.CondVC:
		return !pstate.V
	case insts.CondHI:
		return pstate.C && !pstate.Z
	case insts.CondLS:
		return !pstate.C || pstate.Z
	case insts.CondGE:
		return pstate.N == pstate.V
	case insts.CondLT:
		return pstate.N != pstate.V
	case insts.CondGT:
		return !pstate.Z && (pstate.N == pstate.V)
	case insts.CondLE:
		return pstate.Z || (pstate.N != pstate.V)
	default:
		// AL and NV
		return true
	}
}
