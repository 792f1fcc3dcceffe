package emu

// LoadStoreUnit implements ARM64 load and store operations.
type LoadStoreUnit struct {
	regFile *RegFile
	memory  *Memory
}

// NewLoadStoreUnit creates a new LoadStoreUnit connected to the given
// register file and memory.
func NewLoadStoreUnit(regFile *RegFile, memory *Memory) *LoadStoreUnit {
	return &LoadStoreUnit{
		regFile: regFile,
		memory:  memory,
	}
}

// address computes the effective address. A base of 31 means SP.
func (lsu *LoadStoreUnit) address(rn uint8, offset uint64) uint64 {
	return lsu.regFile.ReadRegOrSP(rn) + offset
}

// LDR64 performs a 64-bit load: Xt = mem[Xn|SP + offset]
func (lsu *LoadStoreUnit) LDR64(rt, rn uint8, offset uint64) {
	lsu.regFile.WriteReg(rt, lsu.memory.Read64(lsu.address(rn, offset)))
}

// STR64 performs a 64-bit store: mem[Xn|SP + offset] = Xt
func (lsu *LoadStoreUnit) STR64(rt, rn uint8, offset uint64) {
	lsu.memory.Write64(lsu.address(rn, offset), lsu.regFile.ReadReg(rt))
}
