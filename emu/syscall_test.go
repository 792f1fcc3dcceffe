package emu_test

import (
	"bytes"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2rec/emu"
)

var _ = Describe("Syscall Handler", func() {
	var (
		regFile *emu.RegFile
		memory  *emu.Memory
		stdout  *bytes.Buffer
		handler *emu.DefaultSyscallHandler
	)

	BeforeEach(func() {
		regFile = &emu.RegFile{}
		memory = emu.NewMemory()
		stdout = new(bytes.Buffer)
		handler = emu.NewDefaultSyscallHandler(regFile, memory, stdout, new(bytes.Buffer))
	})

	It("should exit with X0 as the status", func() {
		regFile.WriteReg(8, emu.SyscallExit)
		regFile.WriteReg(0, 7)

		result := handler.Handle()

		Expect(result.Exited).To(BeTrue())
		Expect(result.ExitCode).To(Equal(int64(7)))
	})

	It("should write a buffer to stdout", func() {
		memory.LoadProgram(0x5000, []byte("hi\n"))
		regFile.WriteReg(8, emu.SyscallWrite)
		regFile.WriteReg(0, 1)
		regFile.WriteReg(1, 0x5000)
		regFile.WriteReg(2, 3)

		Expect(handler.Handle().Exited).To(BeFalse())
		Expect(stdout.String()).To(Equal("hi\n"))
		Expect(regFile.ReadReg(0)).To(Equal(uint64(3)))
	})

	It("should reject writes to unknown descriptors", func() {
		regFile.WriteReg(8, emu.SyscallWrite)
		regFile.WriteReg(0, 9)

		handler.Handle()

		Expect(int64(regFile.ReadReg(0))).To(Equal(int64(-emu.EBADF)))
	})

	It("should read stdin into memory", func() {
		handler.SetStdin(strings.NewReader("abc"))
		regFile.WriteReg(8, emu.SyscallRead)
		regFile.WriteReg(1, 0x6000)
		regFile.WriteReg(2, 8)

		handler.Handle()

		Expect(regFile.ReadReg(0)).To(Equal(uint64(3)))
		Expect(memory.ReadBytes(0x6000, 3)).To(Equal([]byte("abc")))
	})

	It("should return ENOSYS for unknown syscall numbers", func() {
		regFile.WriteReg(8, 999)

		result := handler.Handle()

		Expect(result.Exited).To(BeFalse())
		Expect(int64(regFile.ReadReg(0))).To(Equal(int64(-emu.ENOSYS)))
	})
})
