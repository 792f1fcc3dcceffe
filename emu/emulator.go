package emu

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/m2rec/insts"
)

// ErrMaxInstructions is returned by Step when the instruction limit is hit.
var ErrMaxInstructions = errors.New("max instructions reached")

// StepResult represents the result of executing a single instruction.
type StepResult struct {
	// Exited is true if the program terminated (via exit syscall).
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64

	// Err is set if an error occurred during execution.
	Err error
}

// Emulator executes ARM64 instructions functionally. Each guest thread owns
// one Emulator; threads of the same process share a Memory.
type Emulator struct {
	regFile        *RegFile
	memory         *Memory
	decoder        *insts.Decoder
	syscallHandler SyscallHandler

	alu        *ALU
	lsu        *LoadStoreUnit
	branchUnit *BranchUnit

	stdout io.Writer
	stderr io.Writer

	instructionCount uint64
	maxInstructions  uint64 // 0 means no limit
}

// EmulatorOption is a functional option for configuring the Emulator.
type EmulatorOption func(*Emulator)

// WithMemory runs the emulator on an existing address space.
func WithMemory(m *Memory) EmulatorOption {
	return func(e *Emulator) {
		e.memory = m
	}
}

// WithStdout sets a custom stdout writer.
func WithStdout(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stdout = w
	}
}

// WithStderr sets a custom stderr writer.
func WithStderr(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stderr = w
	}
}

// WithSyscallHandler sets a custom syscall handler.
func WithSyscallHandler(handler SyscallHandler) EmulatorOption {
	return func(e *Emulator) {
		e.syscallHandler = handler
	}
}

// WithStackPointer sets the initial stack pointer value.
func WithStackPointer(sp uint64) EmulatorOption {
	return func(e *Emulator) {
		e.regFile.SP = sp
	}
}

// WithMaxInstructions sets the maximum number of instructions to execute.
// A value of 0 means no limit.
func WithMaxInstructions(max uint64) EmulatorOption {
	return func(e *Emulator) {
		e.maxInstructions = max
	}
}

// NewEmulator creates a new ARM64 emulator.
func NewEmulator(opts ...EmulatorOption) *Emulator {
	e := &Emulator{
		regFile: &RegFile{},
		decoder: insts.NewDecoder(),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.memory == nil {
		e.memory = NewMemory()
	}

	e.alu = NewALU(e.regFile)
	e.lsu = NewLoadStoreUnit(e.regFile, e.memory)
	e.branchUnit = NewBranchUnit(e.regFile)

	if e.syscallHandler == nil {
		e.syscallHandler = NewDefaultSyscallHandler(e.regFile, e.memory, e.stdout, e.stderr)
	}

	return e
}

// RegFile returns the emulator's register file.
func (e *Emulator) RegFile() *RegFile {
	return e.regFile
}

// Memory returns the emulator's memory.
func (e *Emulator) Memory() *Memory {
	return e.memory
}

// InstructionCount returns the number of instructions executed.
func (e *Emulator) InstructionCount() uint64 {
	return e.instructionCount
}

// LoadProgram copies program to entry and points PC at it.
func (e *Emulator) LoadProgram(entry uint64, program []byte) {
	e.memory.LoadProgram(entry, program)
	e.regFile.PC = entry
}

// Step fetches, decodes and executes the instruction at PC.
func (e *Emulator) Step() StepResult {
	if e.maxInstructions > 0 && e.instructionCount >= e.maxInstructions {
		return StepResult{Err: ErrMaxInstructions}
	}

	word := e.memory.Read32(e.regFile.PC)
	return e.Execute(e.decoder.Decode(word))
}

// Run executes instructions until the program exits or an error occurs.
// Returns the exit code (-1 if error).
func (e *Emulator) Run() int64 {
	for {
		result := e.Step()
		if result.Exited {
			return result.ExitCode
		}
		if result.Err != nil {
			_, _ = fmt.Fprintf(e.stderr, "Emulation error: %v\n", result.Err)
			return -1
		}
	}
}

// Execute runs an already decoded instruction located at PC and advances
// PC. Compiled code calls this directly with predecoded instructions.
func (e *Emulator) Execute(inst *insts.Instruction) StepResult {
	result := e.execute(inst)
	if result.Err == nil {
		e.instructionCount++
	}
	return result
}

func (e *Emulator) execute(inst *insts.Instruction) StepResult {
	switch inst.Format {
	case insts.FormatDPImm:
		e.alu.AddSubImm(inst.Op == insts.OpSUB, inst.Is64Bit, inst.SetFlags,
			inst.Rd, inst.Rn, inst.Imm<<inst.Shift)
	case insts.FormatDPReg:
		if inst.Op == insts.OpADD || inst.Op == insts.OpSUB {
			e.alu.AddSubReg(inst.Op == insts.OpSUB, inst.Is64Bit, inst.SetFlags,
				inst.Rd, inst.Rn, inst.Rm, inst.ShiftType, inst.ShiftAmount)
		} else {
			e.alu.Logical(inst.Op, inst.Is64Bit, inst.SetFlags,
				inst.Rd, inst.Rn, inst.Rm, inst.ShiftType, inst.ShiftAmount)
		}
	case insts.FormatMoveWide:
		v := inst.Imm << inst.Shift
		if !inst.Is64Bit {
			v = uint64(uint32(v))
		}
		e.regFile.WriteReg(inst.Rd, v)
	case insts.FormatLoadStore:
		if inst.Op == insts.OpLDR {
			e.lsu.LDR64(inst.Rd, inst.Rn, inst.Imm)
		} else {
			e.lsu.STR64(inst.Rd, inst.Rn, inst.Imm)
		}
	case insts.FormatBranch, insts.FormatBranchCond, insts.FormatCompareBranch, insts.FormatBranchReg:
		e.executeBranch(inst)
		return StepResult{}
	case insts.FormatException:
		return e.executeSVC()
	case insts.FormatSystem:
	default:
		return StepResult{
			Err: fmt.Errorf("unknown instruction at PC=0x%X", e.regFile.PC),
		}
	}

	e.regFile.PC += 4
	return StepResult{}
}

func (e *Emulator) executeBranch(inst *insts.Instruction) {
	switch inst.Op {
	case insts.OpB:
		e.branchUnit.B(inst.BranchOffset)
	case insts.OpBL:
		e.branchUnit.BL(inst.BranchOffset)
	case insts.OpBCond:
		e.branchUnit.BCond(inst.BranchOffset, inst.Cond)
	case insts.OpCBZ, insts.OpCBNZ:
		e.branchUnit.CompareBranch(inst.Rd, inst.Is64Bit, inst.Op == insts.OpCBNZ, inst.BranchOffset)
	case insts.OpBR:
		e.branchUnit.BR(inst.Rn)
	case insts.OpBLR:
		e.branchUnit.BLR(inst.Rn)
	case insts.OpRET:
		e.branchUnit.RET(inst.Rn)
	}
}

func (e *Emulator) executeSVC() StepResult {
	result := e.syscallHandler.Handle()
	if result.Exited {
		return StepResult{Exited: true, ExitCode: result.ExitCode}
	}
	e.regFile.PC += 4
	return StepResult{}
}
