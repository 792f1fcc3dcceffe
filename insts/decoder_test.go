package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2rec/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	Describe("Data Processing (Immediate) - Add/Sub", func() {
		DescribeTable("add/sub immediate encodings",
			func(word uint32, op insts.Op, is64, setFlags bool, rd, rn uint8, imm uint64, shift uint8) {
				inst := decoder.Decode(word)

				Expect(inst.Format).To(Equal(insts.FormatDPImm))
				Expect(inst.Op).To(Equal(op))
				Expect(inst.Is64Bit).To(Equal(is64))
				Expect(inst.SetFlags).To(Equal(setFlags))
				Expect(inst.Rd).To(Equal(rd))
				Expect(inst.Rn).To(Equal(rn))
				Expect(inst.Imm).To(Equal(imm))
				Expect(inst.Shift).To(Equal(shift))
			},
			Entry("ADD X0, X1, #42", uint32(0x9100A820), insts.OpADD, true, false, uint8(0), uint8(1), uint64(42), uint8(0)),
			Entry("ADD W0, W1, #100", uint32(0x11019020), insts.OpADD, false, false, uint8(0), uint8(1), uint64(100), uint8(0)),
			Entry("ADDS X2, X3, #10", uint32(0xB1002862), insts.OpADD, true, true, uint8(2), uint8(3), uint64(10), uint8(0)),
			Entry("ADD X0, X1, #1, LSL #12", uint32(0x91400420), insts.OpADD, true, false, uint8(0), uint8(1), uint64(1), uint8(12)),
			Entry("SUB X5, X6, #20", uint32(0xD10050C5), insts.OpSUB, true, false, uint8(5), uint8(6), uint64(20), uint8(0)),
			Entry("SUBS X9, X10, #5", uint32(0xF1001549), insts.OpSUB, true, true, uint8(9), uint8(10), uint64(5), uint8(0)),
		)
	})

	Describe("Data Processing (Register)", func() {
		DescribeTable("register encodings",
			func(word uint32, op insts.Op, is64, setFlags bool, rd, rn, rm uint8) {
				inst := decoder.Decode(word)

				Expect(inst.Format).To(Equal(insts.FormatDPReg))
				Expect(inst.Op).To(Equal(op))
				Expect(inst.Is64Bit).To(Equal(is64))
				Expect(inst.SetFlags).To(Equal(setFlags))
				Expect(inst.Rd).To(Equal(rd))
				Expect(inst.Rn).To(Equal(rn))
				Expect(inst.Rm).To(Equal(rm))
			},
			Entry("ADD X0, X1, X2", uint32(0x8B020020), insts.OpADD, true, false, uint8(0), uint8(1), uint8(2)),
			Entry("ADD W3, W4, W5", uint32(0x0B050083), insts.OpADD, false, false, uint8(3), uint8(4), uint8(5)),
			Entry("SUBS X15, X16, X17", uint32(0xEB11020F), insts.OpSUB, true, true, uint8(15), uint8(16), uint8(17)),
			Entry("ANDS X6, X7, X8", uint32(0xEA0800E6), insts.OpAND, true, true, uint8(6), uint8(7), uint8(8)),
			Entry("ORR X9, X10, X11", uint32(0xAA0B0149), insts.OpORR, true, false, uint8(9), uint8(10), uint8(11)),
			Entry("EOR W18, W19, W20", uint32(0x4A140272), insts.OpEOR, false, false, uint8(18), uint8(19), uint8(20)),
		)
	})

	Describe("Move wide", func() {
		It("should decode MOVZ X19, #1000", func() {
			inst := decoder.Decode(0xD2807D13)

			Expect(inst.Op).To(Equal(insts.OpMOVZ))
			Expect(inst.Format).To(Equal(insts.FormatMoveWide))
			Expect(inst.Is64Bit).To(BeTrue())
			Expect(inst.Rd).To(Equal(uint8(19)))
			Expect(inst.Imm).To(Equal(uint64(1000)))
			Expect(inst.Shift).To(Equal(uint8(0)))
		})

		It("should decode MOVZ X1, #1, LSL #16", func() {
			inst := decoder.Decode(0xD2A00021)

			Expect(inst.Op).To(Equal(insts.OpMOVZ))
			Expect(inst.Imm).To(Equal(uint64(1)))
			Expect(inst.Shift).To(Equal(uint8(16)))
		})
	})

	Describe("Branch Instructions", func() {
		It("should decode B #-0x8 (backward branch)", func() {
			inst := decoder.Decode(0x17FFFFFE)

			Expect(inst.Op).To(Equal(insts.OpB))
			Expect(inst.Format).To(Equal(insts.FormatBranch))
			Expect(inst.BranchOffset).To(Equal(int64(-8)))

			target, ok := inst.Target(0x1010)
			Expect(ok).To(BeTrue())
			Expect(target).To(Equal(uint64(0x1008)))
		})

		It("should decode BL #0x200", func() {
			inst := decoder.Decode(0x94000080)

			Expect(inst.Op).To(Equal(insts.OpBL))
			Expect(inst.BranchOffset).To(Equal(int64(0x200)))
		})

		It("should decode B.NE #0x20", func() {
			inst := decoder.Decode(0x54000101)

			Expect(inst.Op).To(Equal(insts.OpBCond))
			Expect(inst.Format).To(Equal(insts.FormatBranchCond))
			Expect(inst.Cond).To(Equal(insts.CondNE))
			Expect(inst.BranchOffset).To(Equal(int64(0x20)))
		})

		It("should decode CBZ X3, #+16", func() {
			inst := decoder.Decode(0xB4000083)

			Expect(inst.Op).To(Equal(insts.OpCBZ))
			Expect(inst.Format).To(Equal(insts.FormatCompareBranch))
			Expect(inst.Is64Bit).To(BeTrue())
			Expect(inst.Rd).To(Equal(uint8(3)))
			Expect(inst.BranchOffset).To(Equal(int64(16)))
		})

		It("should decode CBNZ W2, #-8", func() {
			inst := decoder.Decode(0x35FFFFC2)

			Expect(inst.Op).To(Equal(insts.OpCBNZ))
			Expect(inst.Is64Bit).To(BeFalse())
			Expect(inst.BranchOffset).To(Equal(int64(-8)))
		})

		It("should decode BR, BLR and RET", func() {
			Expect(decoder.Decode(0xD61F03C0).Op).To(Equal(insts.OpBR))
			Expect(decoder.Decode(0xD63F0140).Op).To(Equal(insts.OpBLR))

			ret := decoder.Decode(0xD65F03C0)
			Expect(ret.Op).To(Equal(insts.OpRET))
			Expect(ret.Rn).To(Equal(uint8(30)))
			Expect(ret.IsBranch()).To(BeTrue())

			_, ok := ret.Target(0x1000)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Loads and stores", func() {
		It("should decode LDR X0, [X1, #16]", func() {
			inst := decoder.Decode(0xF9400820)

			Expect(inst.Op).To(Equal(insts.OpLDR))
			Expect(inst.Format).To(Equal(insts.FormatLoadStore))
			Expect(inst.Rd).To(Equal(uint8(0)))
			Expect(inst.Rn).To(Equal(uint8(1)))
			Expect(inst.Imm).To(Equal(uint64(16)))
		})

		It("should decode STR X2, [SP, #8]", func() {
			inst := decoder.Decode(0xF90007E2)

			Expect(inst.Op).To(Equal(insts.OpSTR))
			Expect(inst.Rd).To(Equal(uint8(2)))
			Expect(inst.Rn).To(Equal(uint8(31)))
			Expect(inst.Imm).To(Equal(uint64(8)))
		})
	})

	Describe("System", func() {
		It("should decode SVC #0 and NOP", func() {
			Expect(decoder.Decode(0xD4000001).Op).To(Equal(insts.OpSVC))
			Expect(decoder.Decode(0xD503201F).Op).To(Equal(insts.OpNOP))
			Expect(decoder.Decode(0xD503201F).IsBranch()).To(BeFalse())
		})
	})

	Describe("Unknown Instructions", func() {
		It("should mark unrecognized instructions as unknown", func() {
			inst := decoder.Decode(0x00000000)

			Expect(inst.Op).To(Equal(insts.OpUnknown))
			Expect(inst.Op.String()).To(Equal("UNKNOWN"))
		})
	})
})
