package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/m2rec/cpu"
	"github.com/sarchlab/m2rec/dispatch"
	"github.com/sarchlab/m2rec/emu"
	"github.com/sarchlab/m2rec/engine"
	"github.com/sarchlab/m2rec/loader"
)

type runOptions struct {
	config  *engine.Config
	threads int
	stdout  io.Writer
}

type runResult struct {
	exitCode int64
	codes    []int64
	stats    engine.StatsSnapshot
	registry *prometheus.Registry
}

func runFile(ctx context.Context, path string, opts runOptions) (*runResult, error) {
	prog, err := loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return runProgram(ctx, prog, opts)
}

// runProgram runs opts.threads guest threads from the program entry point
// against one shared address space and engine. The result carries the exit
// code of thread 0.
func runProgram(ctx context.Context, prog *loader.Program, opts runOptions) (res *runResult, err error) {
	if opts.threads < 1 {
		return nil, errors.New("at least one thread is required")
	}

	logger := zap.NewNop()
	if opts.config.LogPath != "" {
		var closeLog func() error
		logger, closeLog, err = engine.NewLogger(opts.config.LogPath)
		if err != nil {
			return nil, err
		}
		defer func() { err = multierr.Append(err, closeLog()) }()
	}

	mem := emu.NewMemory()
	prog.LoadInto(mem)

	eng := engine.New(mem, engine.WithConfig(opts.config), engine.WithLogger(logger))
	eng.Start(ctx)

	threads := make([]*cpu.Thread, opts.threads)
	for i := range threads {
		interp := emu.NewEmulator(
			emu.WithMemory(mem),
			emu.WithStdout(opts.stdout),
			emu.WithStackPointer(prog.InitialSP-uint64(i)*loader.DefaultStackSize),
		)
		threads[i] = cpu.NewThread(i, interp)
	}

	res = &runResult{codes: make([]int64, opts.threads)}

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		for _, t := range threads {
			t.Stop()
		}
	}()

	errs := make([]error, opts.threads)
	for i, t := range threads {
		d := dispatch.New(t, eng,
			dispatch.WithSweepInterval(opts.config.SweepInterval()),
			dispatch.WithLogger(logger))

		g.Go(func() error {
			res.codes[i] = d.Run(prog.EntryPoint)
			if terr := t.Err(); terr != nil {
				errs[i] = fmt.Errorf("thread %d: %w", i, terr)
				return errs[i]
			}
			return nil
		})
	}
	_ = g.Wait()

	eng.Stop()

	res.exitCode = res.codes[0]
	res.stats = eng.Stats()
	res.registry = prometheus.NewRegistry()
	if rerr := res.registry.Register(engine.NewCollector(eng)); rerr != nil {
		errs = append(errs, rerr)
	}

	return res, multierr.Combine(errs...)
}

// writeMetrics prints every gathered sample as "name{labels} value".
func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	for _, f := range families {
		for _, m := range f.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			_, _ = fmt.Fprintf(w, "%s{%s} %g\n", f.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue())
		}
	}
	return nil
}
