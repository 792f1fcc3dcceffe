// Package main provides the m2rec command, which runs ARM64 programs on the
// hybrid interpreter and background recompiler.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sarchlab/m2rec/engine"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	var exitErr *exitError
	if err != nil && !errors.As(err, &exitErr) {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}

// exitError carries a guest program's non-zero exit status out of a command.
type exitError struct {
	code int64
}

func (e *exitError) Error() string {
	return fmt.Sprintf("program exited with code %d", e.code)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var exitErr *exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return int(exitErr.code)
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "m2rec",
		Short: "Trace-driven ARM64 recompiler",
		Long: `m2rec interprets ARM64 programs while tracing their control flow, and
compiles hot regions in the background. Compiled regions replace the
interpreter as soon as they are published.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(newRunCmd(), newConfigCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		threads    int
		verbose    bool
		metrics    bool
	)

	cmd := &cobra.Command{
		Use:   "run <program.elf>",
		Short: "Run a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := engine.DefaultConfig()
			if configPath != "" {
				var err error
				config, err = engine.LoadConfig(configPath)
				if err != nil {
					return err
				}
			}

			res, err := runFile(cmd.Context(), args[0], runOptions{
				config:  config,
				threads: threads,
				stdout:  cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}

			out := cmd.ErrOrStderr()
			if verbose {
				_, _ = fmt.Fprintf(out, "\nProgram: %s\n", args[0])
				_, _ = fmt.Fprintf(out, "Exit code: %d\n", res.exitCode)
				for _, line := range res.stats.Report() {
					_, _ = fmt.Fprintln(out, line)
				}
			}
			if metrics {
				if err := writeMetrics(out, res.registry); err != nil {
					return err
				}
			}

			if res.exitCode != 0 {
				return &exitError{code: res.exitCode}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to engine configuration (.toml or .json)")
	cmd.Flags().IntVar(&threads, "threads", 1, "Number of guest threads running the program")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the engine report")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "Dump engine metrics after the run")

	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config <path>",
		Short: "Write the default engine configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return engine.DefaultConfig().SaveConfig(args[0])
		},
	}
}
