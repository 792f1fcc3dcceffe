package insts

import "fmt"

// Op represents an ARM64 opcode.
type Op uint16

// ARM64 opcodes.
const (
	OpUnknown Op = iota
	OpADD
	OpSUB
	OpAND
	OpORR
	OpEOR
	OpMOVZ
	OpB
	OpBL
	OpBCond
	OpCBZ
	OpCBNZ
	OpBR
	OpBLR
	OpRET
	OpLDR
	OpSTR
	OpSVC
	OpNOP
)

var opNames = [...]string{
	OpUnknown: "UNKNOWN",
	OpADD:     "ADD",
	OpSUB:     "SUB",
	OpAND:     "AND",
	OpORR:     "ORR",
	OpEOR:     "EOR",
	OpMOVZ:    "MOVZ",
	OpB:       "B",
	OpBL:      "BL",
	OpBCond:   "B.cond",
	OpCBZ:     "CBZ",
	OpCBNZ:    "CBNZ",
	OpBR:      "BR",
	OpBLR:     "BLR",
	OpRET:     "RET",
	OpLDR:     "LDR",
	OpSTR:     "STR",
	OpSVC:     "SVC",
	OpNOP:     "NOP",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint16(o))
}

// Format represents an instruction encoding format.
type Format uint8

// Instruction formats.
const (
	FormatUnknown       Format = iota
	FormatDPImm                // Data Processing (Immediate)
	FormatDPReg                // Data Processing (Register)
	FormatMoveWide             // Move wide (immediate)
	FormatBranch               // Unconditional Branch (Immediate)
	FormatBranchCond           // Conditional Branch
	FormatCompareBranch        // Compare and Branch
	FormatBranchReg            // Branch to Register
	FormatLoadStore            // Load/Store (unsigned offset)
	FormatException            // Exception generation
	FormatSystem               // Hints
)

// Cond represents an ARM64 condition code.
type Cond uint8

// ARM64 condition codes.
const (
	CondEQ Cond = 0b0000 // Equal (Z == 1)
	CondNE Cond = 0b0001 // Not Equal (Z == 0)
	CondCS Cond = 0b0010 // Carry Set / Unsigned higher or same (C == 1)
	CondCC Cond = 0b0011 // Carry Clear / Unsigned lower (C == 0)
	CondMI Cond = 0b0100 // Minus / Negative (N == 1)
	CondPL Cond = 0b0101 // Plus / Positive or zero (N == 0)
	CondVS Cond = 0b0110 // Overflow (V == 1)
	CondVC Cond = 0b0111 // No overflow (V == 0)
	CondHI Cond = 0b1000 // Unsigned higher (C == 1 && Z == 0)
	CondLS Cond = 0b1001 // Unsigned lower or same (C == 0 || Z == 1)
	CondGE Cond = 0b1010 // Signed greater than or equal (N == V)
	CondLT Cond = 0b1011 // Signed less than (N != V)
	CondGT Cond = 0b1100 // Signed greater than (Z == 0 && N == V)
	CondLE Cond = 0b1101 // Signed less than or equal (Z == 1 || N != V)
	CondAL Cond = 0b1110 // Always (unconditional)
	CondNV Cond = 0b1111 // Always (unconditional, reserved)
)

// ShiftType represents a shift type for register operands.
type ShiftType uint8

// Shift types.
const (
	ShiftLSL ShiftType = 0b00 // Logical shift left
	ShiftLSR ShiftType = 0b01 // Logical shift right
	ShiftASR ShiftType = 0b10 // Arithmetic shift right
	ShiftROR ShiftType = 0b11 // Rotate right
)

// Instruction represents a decoded ARM64 instruction.
type Instruction struct {
	Op     Op     // Operation code
	Format Format // Encoding format

	// Common fields
	Is64Bit  bool  // true for 64-bit (X registers), false for 32-bit (W registers)
	SetFlags bool  // true if instruction sets condition flags (S suffix)
	Rd       uint8 // Destination register (Rt for loads, stores and compare-branches)
	Rn       uint8 // First source register
	Rm       uint8 // Second source register (for register format)

	// Immediate operand
	Imm   uint64 // Immediate value
	Shift uint8  // Shift amount for immediate

	// Branch fields
	BranchOffset int64 // Signed branch offset in bytes
	Cond         Cond  // Condition code for conditional branches

	// Shift for register operand
	ShiftType   ShiftType // Type of shift applied to Rm
	ShiftAmount uint8     // Shift amount for Rm
}

// IsBranch reports whether the instruction can transfer control somewhere
// other than the next sequential instruction.
func (i *Instruction) IsBranch() bool {
	switch i.Format {
	case FormatBranch, FormatBranchCond, FormatCompareBranch, FormatBranchReg:
		return true
	default:
		return false
	}
}

// Target returns the PC-relative branch target for an instruction at pc.
// The second result is false for instructions without a static target.
func (i *Instruction) Target(pc uint64) (uint64, bool) {
	switch i.Format {
	case FormatBranch, FormatBranchCond, FormatCompareBranch:
		return uint64(int64(pc) + i.BranchOffset), true
	default:
		return 0, false
	}
}

// Decoder decodes ARM64 machine code into instructions.
type Decoder struct{}

// NewDecoder creates a new ARM64 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a 32-bit ARM64 instruction word.
func (d *Decoder) Decode(word uint32) *Instruction {
	inst := &Instruction{Op: OpUnknown, Format: FormatUnknown}

	switch {
	case word == 0xD503201F:
		inst.Op = OpNOP
		inst.Format = FormatSystem
	case d.isSVC(word):
		d.decodeSVC(word, inst)
	case d.isDataProcessingImm(word):
		d.decodeDataProcessingImm(word, inst)
	case d.isMoveWide(word):
		d.decodeMoveWide(word, inst)
	case d.isDataProcessingReg(word):
		d.decodeDataProcessingReg(word, inst)
	case d.isBranchImm(word):
		d.decodeBranchImm(word, inst)
	case d.isBranchCond(word):
		d.decodeBranchCond(word, inst)
	case d.isCompareBranch(word):
		d.decodeCompareBranch(word, inst)
	case d.isBranchReg(word):
		d.decodeBranchReg(word, inst)
	case d.isLoadStore(word):
		d.decodeLoadStore(word, inst)
	}

	return inst
}

// isSVC checks for the supervisor call encoding.
// Format: 11010100 000 | imm16 | 000 01
func (d *Decoder) isSVC(word uint32) bool {
	return word&0xFFE0001F == 0xD4000001
}

func (d *Decoder) decodeSVC(word uint32, inst *Instruction) {
	inst.Op = OpSVC
	inst.Format = FormatException
	inst.Imm = uint64((word >> 5) & 0xFFFF)
}

// isDataProcessingImm checks if instruction is Data Processing (Immediate).
// Add/Sub immediate: bits [28:23] == 0b100010
func (d *Decoder) isDataProcessingImm(word uint32) bool {
	op := (word >> 23) & 0x3F // bits [28:23]
	return op == 0b100010
}

// decodeDataProcessingImm decodes Add/Sub immediate instructions.
// Format: sf | op | S | 100010 | sh | imm12 | Rn | Rd
func (d *Decoder) decodeDataProcessingImm(word uint32, inst *Instruction) {
	inst.Format = FormatDPImm

	sf := (word >> 31) & 0x1      // bit 31: 1=64-bit, 0=32-bit
	op := (word >> 30) & 0x1      // bit 30: 0=ADD, 1=SUB
	s := (word >> 29) & 0x1       // bit 29: 1=set flags
	sh := (word >> 22) & 0x1      // bit 22: shift
	imm12 := (word >> 10) & 0xFFF // bits [21:10]
	rn := (word >> 5) & 0x1F      // bits [9:5]
	rd := word & 0x1F             // bits [4:0]

	inst.Is64Bit = sf == 1
	inst.SetFlags = s == 1
	inst.Rd = uint8(rd)
	inst.Rn = uint8(rn)
	inst.Imm = uint64(imm12)

	if sh == 1 {
		inst.Shift = 12
	}

	if op == 0 {
		inst.Op = OpADD
	} else {
		inst.Op = OpSUB
	}
}

// isMoveWide checks for MOVZ.
// MOVZ: bits [30:23] == 0b10100101
func (d *Decoder) isMoveWide(word uint32) bool {
	return (word>>23)&0xFF == 0b10100101
}

// decodeMoveWide decodes MOVZ.
// Format: sf | 10 | 100101 | hw | imm16 | Rd
func (d *Decoder) decodeMoveWide(word uint32, inst *Instruction) {
	inst.Format = FormatMoveWide
	inst.Op = OpMOVZ
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.Imm = uint64((word >> 5) & 0xFFFF)
	inst.Shift = uint8(((word >> 21) & 0x3) * 16)
}

// isDataProcessingReg checks if instruction is Data Processing (Register).
// Add/Sub register: bits [28:24] == 0b01011
// Logical register: bits [28:24] == 0b01010
func (d *Decoder) isDataProcessingReg(word uint32) bool {
	op := (word >> 24) & 0x1F // bits [28:24]
	return op == 0b01011 || op == 0b01010
}

// decodeDataProcessingReg decodes Add/Sub/Logical register instructions.
// Add/Sub format: sf | op | S | 01011 | shift | 0 | Rm | imm6 | Rn | Rd
// Logical format: sf | opc | 01010 | shift | N | Rm | imm6 | Rn | Rd
func (d *Decoder) decodeDataProcessingReg(word uint32, inst *Instruction) {
	inst.Format = FormatDPReg

	sf := (word >> 31) & 0x1    // bit 31
	op := (word >> 24) & 0x1F   // bits [28:24]
	rd := word & 0x1F           // bits [4:0]
	rn := (word >> 5) & 0x1F    // bits [9:5]
	imm6 := (word >> 10) & 0x3F // bits [15:10]
	rm := (word >> 16) & 0x1F   // bits [20:16]
	shift := (word >> 22) & 0x3 // bits [23:22]

	inst.Is64Bit = sf == 1
	inst.Rd = uint8(rd)
	inst.Rn = uint8(rn)
	inst.Rm = uint8(rm)
	inst.ShiftType = ShiftType(shift)
	inst.ShiftAmount = uint8(imm6)

	if op == 0b01011 {
		opBit := (word >> 30) & 0x1
		inst.SetFlags = (word>>29)&0x1 == 1

		if opBit == 0 {
			inst.Op = OpADD
		} else {
			inst.Op = OpSUB
		}
		return
	}

	switch (word >> 29) & 0x3 {
	case 0b00:
		inst.Op = OpAND
	case 0b01:
		inst.Op = OpORR
	case 0b10:
		inst.Op = OpEOR
	case 0b11:
		inst.Op = OpAND
		inst.SetFlags = true // ANDS
	}
}

// isBranchImm checks for unconditional branch immediate.
// B:  bits [31:26] == 0b000101
// BL: bits [31:26] == 0b100101
func (d *Decoder) isBranchImm(word uint32) bool {
	op := (word >> 26) & 0x3F
	return op == 0b000101 || op == 0b100101
}

// decodeBranchImm decodes B and BL instructions.
// Format: op | 00101 | imm26
func (d *Decoder) decodeBranchImm(word uint32, inst *Instruction) {
	inst.Format = FormatBranch
	inst.BranchOffset = signExtend(word&0x3FFFFFF, 26) * 4

	if inst.BranchOffset >= 0 {
		inst.Imm = uint64(inst.BranchOffset)
	}

	if (word>>31)&0x1 == 0 {
		inst.Op = OpB
	} else {
		inst.Op = OpBL
	}
}

// isBranchCond checks for conditional branch.
// B.cond: bits [31:25] == 0b0101010, bit 4 == 0
func (d *Decoder) isBranchCond(word uint32) bool {
	op := (word >> 25) & 0x7F
	bit4 := (word >> 4) & 0x1
	return op == 0b0101010 && bit4 == 0
}

// decodeBranchCond decodes conditional branch instructions.
// Format: 0101010 0 | imm19 | 0 | cond
func (d *Decoder) decodeBranchCond(word uint32, inst *Instruction) {
	inst.Format = FormatBranchCond
	inst.Op = OpBCond
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19) * 4
	if inst.BranchOffset >= 0 {
		inst.Imm = uint64(inst.BranchOffset)
	}
	inst.Cond = Cond(word & 0xF)
}

// isCompareBranch checks for CBZ/CBNZ.
// Format: sf | 011010 | op | imm19 | Rt
func (d *Decoder) isCompareBranch(word uint32) bool {
	return (word>>25)&0x3F == 0b011010
}

func (d *Decoder) decodeCompareBranch(word uint32, inst *Instruction) {
	inst.Format = FormatCompareBranch
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19) * 4

	if (word>>24)&0x1 == 0 {
		inst.Op = OpCBZ
	} else {
		inst.Op = OpCBNZ
	}
}

// isBranchReg checks for branch to register.
// Format: 1101011 0 0 op[1:0] 11111 0000 0 0 Rn 00000
func (d *Decoder) isBranchReg(word uint32) bool {
	hi := (word >> 25) & 0x7F
	mid := (word >> 10) & 0x3F
	lo := word & 0x1F

	return hi == 0b1101011 && mid == 0b000000 && lo == 0b00000
}

// decodeBranchReg decodes BR, BLR, and RET instructions.
func (d *Decoder) decodeBranchReg(word uint32, inst *Instruction) {
	inst.Format = FormatBranchReg
	inst.Rn = uint8((word >> 5) & 0x1F)

	switch (word >> 21) & 0x3 {
	case 0b00:
		inst.Op = OpBR
	case 0b01:
		inst.Op = OpBLR
	case 0b10:
		inst.Op = OpRET
	default:
		inst.Format = FormatUnknown
	}
}

// isLoadStore checks for 64-bit LDR/STR with an unsigned scaled offset.
func (d *Decoder) isLoadStore(word uint32) bool {
	top := word & 0xFFC00000
	return top == 0xF9400000 || top == 0xF9000000
}

// decodeLoadStore decodes LDR/STR (unsigned offset).
// Format: 11 111 0 01 opc | imm12 | Rn | Rt
func (d *Decoder) decodeLoadStore(word uint32, inst *Instruction) {
	inst.Format = FormatLoadStore
	inst.Is64Bit = true
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Imm = uint64((word>>10)&0xFFF) * 8

	if word&0xFFC00000 == 0xF9400000 {
		inst.Op = OpLDR
	} else {
		inst.Op = OpSTR
	}
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}
