package engine_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sarchlab/m2rec/emu"
	"github.com/sarchlab/m2rec/engine"
	"github.com/sarchlab/m2rec/trace"
)

var _ = Describe("Engine", func() {
	var (
		compiler *fakeCompiler
		config   *engine.Config
		e        *engine.Engine
	)

	BeforeEach(func() {
		compiler = &fakeCompiler{}
		config = engine.DefaultConfig()
	})

	JustBeforeEach(func() {
		e = engine.New(emu.NewMemory(),
			engine.WithConfig(config),
			engine.WithCompiler(compiler))
	})

	Describe("ordinals", func() {
		It("should return the same ordinal for repeated allocations", func() {
			a := e.AllocateOrdinal(0x1000, true)
			b := e.AllocateOrdinal(0x2000, false)

			Expect(e.AllocateOrdinal(0x1000, true)).To(Equal(a))
			Expect(e.AllocateOrdinal(0x2000, true)).To(Equal(b))
			Expect(a).NotTo(Equal(b))
			Expect(e.GetOrdinal(0x1000)).To(Equal(a))
		})

		It("should report unknown addresses", func() {
			Expect(e.GetOrdinal(0x3000)).To(Equal(engine.NoOrdinal))

			_, ok := e.Ordinal(0x3000)
			Expect(ok).To(BeFalse())
		})

		It("should publish the default handler before exposing the ordinal", func() {
			fn := e.AllocateOrdinal(0x1000, true)
			blk := e.AllocateOrdinal(0x1010, false)

			Expect(e.GetExecutable(fn).Kind).To(Equal(engine.KindDefaultFunction))
			Expect(e.GetExecutable(blk).Kind).To(Equal(engine.KindDefaultBlock))
			Expect(e.GetExecutable(fn).IsDefault()).To(BeTrue())
			Expect(e.Executable(fn)).NotTo(BeNil())
			Expect(e.Stats().OrdinalsAllocated).To(Equal(uint64(2)))
		})

		Context("with a tiny table", func() {
			BeforeEach(func() {
				config.OrdinalCapacity = 2
			})

			It("should panic when the table is exhausted", func() {
				e.AllocateOrdinal(0x1000, true)
				e.AllocateOrdinal(0x1004, true)

				Expect(func() { e.AllocateOrdinal(0x1008, true) }).To(Panic())
				Expect(e.Table().Capacity()).To(Equal(2))
			})
		})
	})

	Describe("symbols", func() {
		It("should resolve the runtime trampolines", func() {
			Expect(e.Symbol("execute_unknown_function")).NotTo(BeNil())
			Expect(e.Symbol("execute_unknown_block")).NotTo(BeNil())
			Expect(e.Symbol("memcpy")).To(BeNil())
		})
	})

	Describe("hit-count promotion", func() {
		It("should compile a function exactly at the threshold", func() {
			t := linear(0x1000, instructions(0x1000, 0x1004, 0x1008)...)

			for i := 0; i < 999; i++ {
				e.ProcessTrace(t)
			}
			Expect(compiler.Calls()).To(BeEmpty())
			Expect(e.GetOrdinal(0x1000)).To(Equal(engine.NoOrdinal))

			e.ProcessTrace(t)

			calls := compiler.Calls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].name).To(Equal("fn_0x00001000_0"))
			Expect(calls[0].linkable).To(BeTrue())

			ord := e.GetOrdinal(0x1000)
			Expect(ord).NotTo(Equal(engine.NoOrdinal))
			entry := e.GetExecutable(ord)
			Expect(entry.Kind).To(Equal(engine.KindCompiled))
			Expect(entry.Name).To(Equal("fn_0x00001000_0"))

			info, ok := e.Block(0x1000, 0x1000)
			Expect(ok).To(BeTrue())
			Expect(info.IsCompiled).To(BeTrue())
			Expect(info.Hits).To(Equal(uint32(1000)))
			Expect(info.Revision).To(Equal(uint32(1)))
			Expect(info.LastCompiledSize).To(Equal(3))
		})

		It("should count repeats of a trace as duplicates", func() {
			t := linear(0x1000, instructions(0x1000)...)
			for i := 0; i < 5; i++ {
				e.ProcessTrace(t)
			}

			stats := e.Stats()
			Expect(stats.TracesProcessed).To(Equal(uint64(5)))
			Expect(stats.DuplicateTraces).To(Equal(uint64(4)))
		})

		It("should stop counting hits once a block is compiled", func() {
			config.HitThreshold = 2
			t := linear(0x1000, instructions(0x1000)...)
			for i := 0; i < 10; i++ {
				e.ProcessTrace(t)
			}

			Expect(compiler.Calls()).To(HaveLen(1))
			info, _ := e.Block(0x1000, 0x1000)
			Expect(info.Hits).To(Equal(uint32(2)))
		})

		Context("when the backend fails", func() {
			BeforeEach(func() {
				config.HitThreshold = 1
				compiler.err = errBackend
			})

			It("should keep the default handler and leave the block uncompiled", func() {
				e.ProcessTrace(linear(0x1000, instructions(0x1000)...))

				ord := e.GetOrdinal(0x1000)
				Expect(ord).NotTo(Equal(engine.NoOrdinal))
				Expect(e.GetExecutable(ord).Kind).To(Equal(engine.KindDefaultFunction))

				info, _ := e.Block(0x1000, 0x1000)
				Expect(info.IsCompiled).To(BeFalse())
				Expect(e.Stats().CompileFailures).To(Equal(uint64(1)))

				_, ok := e.Module(ord)
				Expect(ok).To(BeFalse())
			})

			It("should not retry until the CFG grows", func() {
				t := linear(0x1000, instructions(0x1000)...)
				for i := 0; i < 5; i++ {
					e.ProcessTrace(t)
				}
				Expect(compiler.Calls()).To(HaveLen(1))

				info, _ := e.Block(0x1000, 0x1000)
				Expect(info.FailedSize).To(Equal(1))

				e.ProcessTrace(linear(0x1000, instructions(0x1000, 0x1004)...))
				Expect(compiler.Calls()).To(HaveLen(2))
				Expect(e.Stats().CompileFailures).To(Equal(uint64(2)))
			})
		})
	})

	Describe("trace merging", func() {
		It("should close a loop trace back to its first entry", func() {
			e.ProcessTrace(&trace.Trace{
				FunctionAddress: 0x1000,
				Kind:            trace.Loop,
				Entries:         instructions(0x1010, 0x1014, 0x1018),
			})

			block, ok := e.Block(0x1010, 0x1000)
			Expect(ok).To(BeTrue())
			Expect(block.CFG.Branches(0x1018)).To(ConsistOf(uint32(0x1010)))

			fn, ok := e.Block(0x1000, 0x1000)
			Expect(ok).To(BeTrue())
			Expect(fn.CFG.Instructions()).To(Equal([]uint32{0x1010, 0x1014, 0x1018}))
			Expect(fn.CFG.Branches(0x1018)).To(ConsistOf(uint32(0x1010)))
		})

		It("should start a new block after a compiled block and not wrap", func() {
			e.ProcessTrace(&trace.Trace{
				FunctionAddress: 0x1000,
				Kind:            trace.Loop,
				Entries: []trace.Entry{
					{Type: trace.Instruction, Address: 0x1000},
					{Type: trace.CompiledBlock, Address: 0x1008, ExitAddress: 0x1010},
					{Type: trace.Instruction, Address: 0x1020},
				},
			})

			fn, _ := e.Block(0x1000, 0x1000)
			Expect(fn.CFG.Branches(0x1000)).To(ConsistOf(uint32(0x1008)))
			Expect(fn.CFG.Branches(0x1010)).To(ConsistOf(uint32(0x1020)))
			Expect(fn.CFG.Branches(0x1020)).To(BeEmpty())

			block, ok := e.Block(0x1008, 0x1000)
			Expect(ok).To(BeTrue())
			Expect(block.CFG.Instructions()).To(Equal([]uint32{0x1020}))
			Expect(block.CFG.Branches(0x1010)).To(ConsistOf(uint32(0x1020)))
		})

		It("should record calls at their call site", func() {
			e.ProcessTrace(linear(0x1000,
				trace.Entry{Type: trace.Instruction, Address: 0x1000},
				trace.Entry{Type: trace.FunctionCall, Address: 0x4000},
				trace.Entry{Type: trace.Instruction, Address: 0x1004},
			))

			fn, _ := e.Block(0x1000, 0x1000)
			Expect(fn.CFG.Calls(0x1000)).To(ConsistOf(uint32(0x4000)))
			Expect(fn.CFG.Instructions()).To(Equal([]uint32{0x1000, 0x1004}))
		})

		It("should grow CFGs monotonically", func() {
			e.ProcessTrace(linear(0x1000, instructions(sequence(0x1000, 4)...)...))
			first, _ := e.Block(0x1000, 0x1000)

			e.ProcessTrace(linear(0x1000, instructions(0x1000, 0x1020)...))
			second, _ := e.Block(0x1000, 0x1000)

			Expect(second.CFG.Size()).To(BeNumerically(">", first.CFG.Size()))
			for _, addr := range first.CFG.Instructions() {
				Expect(second.CFG.HasInstruction(addr)).To(BeTrue())
			}
		})
	})

	Describe("trace cache", func() {
		BeforeEach(func() {
			config.TraceCacheSets = 1
			config.TraceCacheWays = 2
		})

		It("should evict the least recently used trace", func() {
			a := linear(0x1000, instructions(0x1000)...)
			b := linear(0x2000, instructions(0x2000)...)
			c := linear(0x3000, instructions(0x3000)...)

			e.ProcessTrace(a)
			e.ProcessTrace(b)
			e.ProcessTrace(a)
			e.ProcessTrace(c)

			cached, evicted := e.CachedTraces()
			Expect(cached).To(Equal(2))
			Expect(evicted).To(Equal(uint64(1)))
			Expect(e.Stats().DuplicateTraces).To(Equal(uint64(1)))

			// b was evicted, so it is merged again rather than deduplicated.
			e.ProcessTrace(b)
			Expect(e.Stats().DuplicateTraces).To(Equal(uint64(1)))

			info, _ := e.Block(0x2000, 0x2000)
			Expect(info.Hits).To(Equal(uint32(2)))
		})
	})

	Describe("idle recompilation", func() {
		BeforeEach(func() {
			config.HitThreshold = 1
		})

		It("should pick the compiled function that grew the most", func() {
			e.ProcessTrace(linear(0x1000, instructions(0x1000)...))
			e.ProcessTrace(linear(0x2000, instructions(0x2000)...))
			Expect(compiler.Calls()).To(HaveLen(2))

			e.ProcessTrace(linear(0x1000, instructions(sequence(0x1000, 6)...)...))
			e.ProcessTrace(linear(0x2000, instructions(sequence(0x2000, 13)...)...))

			Expect(e.RecompileMostGrown()).To(BeTrue())
			calls := compiler.Calls()
			Expect(calls[len(calls)-1].name).To(Equal("fn_0x00002000_1"))
			Expect(calls[len(calls)-1].size).To(Equal(13))

			Expect(e.RecompileMostGrown()).To(BeTrue())
			calls = compiler.Calls()
			Expect(calls[len(calls)-1].name).To(Equal("fn_0x00001000_1"))

			Expect(e.RecompileMostGrown()).To(BeFalse())
			Expect(e.Stats().Recompilations).To(Equal(uint64(2)))

			ord := e.GetOrdinal(0x2000)
			Expect(e.GetExecutable(ord).Revision).To(Equal(uint32(1)))
		})

		Context("when a recompile fails", func() {
			BeforeEach(func() {
				compiler.err = errBackend
				compiler.successes = 1
			})

			It("should keep the published module and wait for more growth", func() {
				e.ProcessTrace(linear(0x1000, instructions(0x1000)...))
				e.ProcessTrace(linear(0x1000, instructions(sequence(0x1000, 4)...)...))

				Expect(e.RecompileMostGrown()).To(BeFalse())
				Expect(e.RecompileMostGrown()).To(BeFalse())
				Expect(compiler.Calls()).To(HaveLen(2))
				Expect(e.Stats().CompileFailures).To(Equal(uint64(1)))

				ord := e.GetOrdinal(0x1000)
				Expect(e.GetExecutable(ord).Name).To(Equal("fn_0x00001000_0"))

				e.ProcessTrace(linear(0x1000, instructions(sequence(0x1000, 8)...)...))
				Expect(e.RecompileMostGrown()).To(BeFalse())
				calls := compiler.Calls()
				Expect(calls).To(HaveLen(3))
				Expect(calls[2].size).To(Equal(8))
			})
		})
	})

	Describe("module lifetime", func() {
		BeforeEach(func() {
			config.HitThreshold = 1
		})

		It("should release the module on FreeExecutable", func() {
			e.ProcessTrace(linear(0x1000, instructions(0x1000)...))
			ord := e.GetOrdinal(0x1000)

			m, ok := e.Module(ord)
			Expect(ok).To(BeTrue())
			Expect(m.Listing()).To(Equal("fn_0x00001000_0"))

			e.FreeExecutable(ord)
			e.FreeExecutable(ord)

			_, ok = e.Module(ord)
			Expect(ok).To(BeFalse())
			Expect(e.Stats().Frees).To(Equal(uint64(1)))
			Expect(e.GetExecutable(ord).Kind).To(Equal(engine.KindCompiled))
		})

		It("should log the freed region", func() {
			core, logs := observer.New(zap.DebugLevel)
			e = engine.New(emu.NewMemory(),
				engine.WithConfig(config),
				engine.WithCompiler(compiler),
				engine.WithLogger(zap.New(core)))

			e.ProcessTrace(linear(0x1000, instructions(0x1000)...))
			ord := e.GetOrdinal(0x1000)
			e.FreeExecutable(ord)

			freed := logs.FilterMessage("Free: fn_0x00001000_0").All()
			Expect(freed).To(HaveLen(1))
			Expect(freed[0].ContextMap()).To(HaveKeyWithValue("ordinal", ord))
		})
	})

	Describe("worker", func() {
		BeforeEach(func() {
			config.HitThreshold = 1
			config.IdleWaitMs = 5
		})

		AfterEach(func() {
			e.Stop()
		})

		It("should start on the first trace and publish compiled code", func() {
			e.NotifyTrace(linear(0x1000, instructions(0x1000, 0x1004)...))

			Eventually(func() engine.Kind {
				ord := e.GetOrdinal(0x1000)
				if ord == engine.NoOrdinal {
					return engine.KindDefaultFunction
				}
				return e.GetExecutable(ord).Kind
			}).Should(Equal(engine.KindCompiled))
			Expect(e.Pending()).To(Equal(0))
		})

		It("should idle after a failed recompile", func() {
			compiler.err = errBackend
			compiler.successes = 1

			e.NotifyTrace(linear(0x1000, instructions(0x1000)...))
			Eventually(func() []compileCall { return compiler.Calls() }).Should(HaveLen(1))

			e.NotifyTrace(linear(0x1000, instructions(0x1000, 0x1003)...))
			Eventually(func() uint64 { return e.Stats().CompileFailures }).Should(Equal(uint64(1)))
			Consistently(func() []compileCall { return compiler.Calls() }, "100ms", "10ms").Should(HaveLen(2))
		})

		It("should exit when its context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			e.Start(ctx)
			cancel()

			e.Stop()
			Expect(e.Stats().TotalTime).To(BeNumerically(">", 0))
		})

		It("should allow stopping an engine that never started", func() {
			Expect(e.Stop).NotTo(Panic())
		})
	})

	Describe("Collector", func() {
		It("should export engine counters", func() {
			e.ProcessTrace(linear(0x1000, instructions(0x1000)...))

			reg := prometheus.NewRegistry()
			Expect(reg.Register(engine.NewCollector(e))).To(Succeed())

			families, err := reg.Gather()
			Expect(err).NotTo(HaveOccurred())

			names := make([]string, 0, len(families))
			for _, f := range families {
				names = append(names, f.GetName())
			}
			Expect(names).To(ContainElements(
				"m2rec_engine_seconds_total",
				"m2rec_engine_events_total"))
		})
	})

	Describe("Report", func() {
		It("should list every phase", func() {
			lines := engine.StatsSnapshot{OrdinalsAllocated: 3}.Report()

			Expect(lines).To(HaveLen(9))
			Expect(lines[0]).To(HavePrefix("Total time"))
			Expect(lines[8]).To(Equal("Ordinals allocated              = 3"))
		})
	})
})
