package emu_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2rec/emu"
	"github.com/sarchlab/m2rec/insts"
)

var _ = Describe("Emulator", func() {
	var (
		e         *emu.Emulator
		stdoutBuf *bytes.Buffer
	)

	BeforeEach(func() {
		stdoutBuf = &bytes.Buffer{}
		e = emu.NewEmulator(emu.WithStdout(stdoutBuf))
	})

	Describe("LoadProgram", func() {
		It("should set the PC and copy the image", func() {
			e.LoadProgram(0x2000, []byte{0xDE, 0xAD, 0xBE, 0xEF})

			Expect(e.RegFile().PC).To(Equal(uint64(0x2000)))
			Expect(e.Memory().Read8(0x2001)).To(Equal(byte(0xAD)))
		})
	})

	Describe("Step", func() {
		It("should execute ADD immediate", func() {
			e.RegFile().WriteReg(1, 10)
			e.LoadProgram(0x1000, program(encodeADDImm(0, 1, 5)))

			result := e.Step()

			Expect(result.Err).NotTo(HaveOccurred())
			Expect(e.RegFile().ReadReg(0)).To(Equal(uint64(15)))
			Expect(e.RegFile().PC).To(Equal(uint64(0x1004)))
			Expect(e.InstructionCount()).To(Equal(uint64(1)))
		})

		It("should use SP for ADD immediate with register 31", func() {
			e = emu.NewEmulator(emu.WithStackPointer(0x8000))
			e.LoadProgram(0x1000, program(encodeADDImm(31, 31, 16)))

			e.Step()

			Expect(e.RegFile().SP).To(Equal(uint64(0x8010)))
		})

		It("should set flags for SUBS", func() {
			e.RegFile().WriteReg(3, 1)
			e.LoadProgram(0x1000, program(encodeSUBSImm(3, 3, 1)))

			e.Step()

			Expect(e.RegFile().ReadReg(3)).To(BeZero())
			Expect(e.RegFile().PSTATE.Z).To(BeTrue())
			Expect(e.RegFile().PSTATE.C).To(BeTrue())
		})

		It("should execute register and logical forms", func() {
			e.RegFile().WriteReg(1, 0b1100)
			e.RegFile().WriteReg(2, 0b1010)
			e.LoadProgram(0x1000, program(
				0x8B020020, // ADD X0, X1, X2
				0xAA020023, // ORR X3, X1, X2
				0xCA020024, // EOR X4, X1, X2
				0x8A020025, // AND X5, X1, X2
			))

			for i := 0; i < 4; i++ {
				Expect(e.Step().Err).NotTo(HaveOccurred())
			}

			Expect(e.RegFile().ReadReg(0)).To(Equal(uint64(22)))
			Expect(e.RegFile().ReadReg(3)).To(Equal(uint64(0b1110)))
			Expect(e.RegFile().ReadReg(4)).To(Equal(uint64(0b0110)))
			Expect(e.RegFile().ReadReg(5)).To(Equal(uint64(0b1000)))
		})

		It("should execute MOVZ", func() {
			e.LoadProgram(0x1000, program(0xD2807D13))

			e.Step()

			Expect(e.RegFile().ReadReg(19)).To(Equal(uint64(1000)))
		})

		It("should store and load through SP", func() {
			e = emu.NewEmulator(emu.WithStackPointer(0x9000))
			e.RegFile().WriteReg(2, 77)
			e.LoadProgram(0x1000, program(
				0xF90007E2, // STR X2, [SP, #8]
				0xF94007E0, // LDR X0, [SP, #8]
			))

			e.Step()
			e.Step()

			Expect(e.Memory().Read64(0x9008)).To(Equal(uint64(77)))
			Expect(e.RegFile().ReadReg(0)).To(Equal(uint64(77)))
		})

		It("should fail on unknown instructions", func() {
			e.LoadProgram(0x1000, program(0))

			result := e.Step()

			Expect(result.Err).To(HaveOccurred())
			Expect(e.RegFile().PC).To(Equal(uint64(0x1000)))
			Expect(e.InstructionCount()).To(BeZero())
		})

		It("should stop at the instruction limit", func() {
			e = emu.NewEmulator(emu.WithMaxInstructions(1))
			e.LoadProgram(0x1000, program(0xD503201F, 0xD503201F))

			Expect(e.Step().Err).NotTo(HaveOccurred())
			Expect(e.Step().Err).To(MatchError(emu.ErrMaxInstructions))
		})
	})

	Describe("branches", func() {
		It("should branch with B", func() {
			e.LoadProgram(0x1000, program(encodeB(0x40)))

			e.Step()

			Expect(e.RegFile().PC).To(Equal(uint64(0x1040)))
		})

		It("should link with BL and return with RET", func() {
			mem := e.Memory()
			mem.LoadWords(0x1000, encodeBL(0x100))
			mem.LoadWords(0x1100, 0xD65F03C0)
			e.RegFile().PC = 0x1000

			e.Step()
			Expect(e.RegFile().PC).To(Equal(uint64(0x1100)))
			Expect(e.RegFile().ReadReg(emu.LinkRegister)).To(Equal(uint64(0x1004)))

			e.Step()
			Expect(e.RegFile().PC).To(Equal(uint64(0x1004)))
		})

		It("should fall through an untaken B.cond", func() {
			e.RegFile().PSTATE.Z = true
			e.LoadProgram(0x1000, program(encodeBCond(0x20, uint8(insts.CondNE))))

			e.Step()

			Expect(e.RegFile().PC).To(Equal(uint64(0x1004)))
		})

		It("should take CBZ on a zero register", func() {
			e.LoadProgram(0x1000, program(0xB4000083)) // CBZ X3, #+16

			e.Step()

			Expect(e.RegFile().PC).To(Equal(uint64(0x1010)))
		})

		It("should branch to a register with BLR", func() {
			e.RegFile().WriteReg(10, 0x3000)
			e.LoadProgram(0x1000, program(0xD63F0140))

			e.Step()

			Expect(e.RegFile().PC).To(Equal(uint64(0x3000)))
			Expect(e.RegFile().ReadReg(emu.LinkRegister)).To(Equal(uint64(0x1004)))
		})
	})

	Describe("Run", func() {
		It("should run a loop to the exit syscall", func() {
			e.LoadProgram(0x1000, program(
				0xD2800140,             // MOVZ X0, #10
				encodeSUBSImm(0, 0, 1), // SUBS X0, X0, #1
				encodeBCond(-4, uint8(insts.CondNE)),
				0xD2800BA8, // MOVZ X8, #93
				0xD4000001, // SVC #0
			))

			Expect(e.Run()).To(BeZero())
			Expect(e.InstructionCount()).To(Equal(uint64(1 + 10*2 + 2)))
		})
	})
})
