package insts

// BranchType classifies the control transfer performed by an instruction.
type BranchType uint8

// Branch types.
const (
	NonBranch BranchType = iota
	LocalBranch
	FunctionCall
	Return
)

func (b BranchType) String() string {
	switch b {
	case LocalBranch:
		return "LocalBranch"
	case FunctionCall:
		return "FunctionCall"
	case Return:
		return "Return"
	default:
		return "NonBranch"
	}
}

// ClassifyBranch classifies a raw instruction word by its opcode fields.
// It never fails: encodings it does not recognise are NonBranch.
func ClassifyBranch(word uint32) BranchType {
	switch {
	case word>>26 == 0b100101: // BL
		return FunctionCall
	case word>>26 == 0b000101: // B
		return LocalBranch
	case word>>25 == 0b0101010 && (word>>4)&0x1 == 0: // B.cond
		return LocalBranch
	case (word>>25)&0x3F == 0b011010: // CBZ, CBNZ
		return LocalBranch
	}

	// Branch to register: 1101011 0 0 op[1:0] 11111 000000 Rn 00000
	if word&0xFF9FFC1F != 0xD61F0000 {
		return NonBranch
	}

	switch (word >> 21) & 0x3 {
	case 0b00:
		return LocalBranch // BR
	case 0b01:
		return FunctionCall // BLR
	case 0b10:
		return Return // RET
	default:
		return NonBranch
	}
}
