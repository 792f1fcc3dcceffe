// Package insts provides ARM64 instruction definitions and decoding.
//
// This package implements decoding of the ARM64 subset executed by the
// hybrid recompiler. It supports:
//   - Data Processing (Immediate): ADD, SUB, MOVZ
//   - Data Processing (Register): ADD, SUB, AND, ORR, EOR with register operands
//   - Branch instructions: B, BL, B.cond, CBZ, CBNZ, BR, BLR, RET
//   - Loads and stores: LDR, STR (64-bit, unsigned offset)
//   - System: SVC, NOP
//
// It also classifies raw instruction words into branch types by opcode
// fields alone, which is what the dispatcher uses to drive the tracer.
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst := decoder.Decode(0x91002820) // ADD X0, X1, #10
//	fmt.Printf("Op: %v, Rd: %d, Rn: %d, Imm: %d\n", inst.Op, inst.Rd, inst.Rn, inst.Imm)
package insts
