// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command allocprof attaches a sampling heap-allocation profiler to a
// running process, collects per-stack size histograms while it runs, and
// renders a report on SIGINT.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/allocprof/pkg/collector"
	"github.com/antimetal/allocprof/pkg/probe"
	"github.com/antimetal/allocprof/pkg/report"
	"github.com/antimetal/allocprof/pkg/symbolize"
)

const defaultObjectPath = "/usr/local/lib/allocprof/allocprobe.bpf.o"

type flags struct {
	pid           int32
	program       string
	function      string
	orderBy       string
	maxAllocSize  uint64
	minAllocSize  uint64
	sampleEvery   uint64
	skipSize      uint64
	skipCount     uint64
	csvPath       string
	flameGraph    string
	verbose       bool
	bpfObjectPath string
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:   "allocprof --program <path>",
		Short: "Sampling heap-allocation profiler for a running process",
		Long: `allocprof attaches a uprobe to an allocator entry point in a target
binary, samples a subset of calls, and aggregates allocation sizes by call
stack. Press Ctrl-C to stop and print the report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.Flags().Int32VarP(&f.pid, "pid", "p", 0, "attach only to this pid (else any process loading --program)")
	root.Flags().StringVar(&f.program, "program", "", "absolute path to the executable or shared object carrying the probed symbol (required)")
	root.Flags().StringVarP(&f.function, "function", "f", "malloc", "one of malloc, calloc, realloc, mallocx, rallocx, xallocx")
	root.Flags().StringVarP(&f.orderBy, "order-by", "o", "Count", "Count or Traffic")
	root.Flags().Uint64Var(&f.maxAllocSize, "max-alloc-size", math.MaxUint64, "exclusive upper bound on tracked allocation size")
	root.Flags().Uint64Var(&f.minAllocSize, "min-alloc-size", 0, "exclusive lower bound on tracked allocation size")
	root.Flags().Uint64VarP(&f.sampleEvery, "sample-every", "s", 1, "sample every Nth eligible call; must be >= 1")
	root.Flags().Uint64Var(&f.skipSize, "skip-size", 1, "drop shards with total < skip-size at retention")
	root.Flags().Uint64Var(&f.skipCount, "skip-count", 1000, "drop shards with sum(counters) < skip-count at retention")
	root.Flags().StringVar(&f.csvPath, "csv", "", "write CSV report to this path")
	root.Flags().StringVar(&f.flameGraph, "flame-graph", "", "write a folded-stack file for an external flame-graph renderer")
	root.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().StringVar(&f.bpfObjectPath, "bpf-object", defaultObjectPath, "path to the compiled allocprobe BPF object")
	_ = root.MarkFlagRequired("program")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	logger := newLogger(f.verbose)

	fn := probe.Function(f.function)
	if f.orderBy != "Count" && f.orderBy != "Traffic" {
		return fmt.Errorf("invalid --order-by %q: must be Count or Traffic", f.orderBy)
	}
	if f.sampleEvery < 1 {
		return fmt.Errorf("invalid --sample-every %d: must be >= 1", f.sampleEvery)
	}

	handle, err := probe.Attach(logger, f.bpfObjectPath, probe.AttachOptions{
		ProgramPath: f.program,
		Function:    fn,
		PID:         uint32(f.pid),
	})
	if err != nil {
		return fmt.Errorf("attaching probe: %w", err)
	}
	defer handle.Close()

	if err := handle.Config.Seed(f.minAllocSize, f.maxAllocSize, f.sampleEvery, fn.ArgIndex()); err != nil {
		return fmt.Errorf("seeding probe configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := collector.New(logger, handle, symbolize.NewELF(), collector.RetentionFilter{
		SkipSize:  f.skipSize,
		SkipCount: f.skipCount,
	})

	var processor *collector.EventProcessor
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := col.Run(gctx)
		processor = p
		return err
	})

	logger.Info("profiling started", "program", f.program, "function", f.function, "pid", f.pid)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("collector: %w", err)
	}

	return renderReports(processor, f)
}

func renderReports(processor *collector.EventProcessor, f flags) error {
	orderBy := report.OrderBy(f.orderBy)

	if err := report.WriteText(os.Stdout, processor, orderBy); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if f.csvPath != "" {
		csvFile, err := os.Create(f.csvPath)
		if err != nil {
			return fmt.Errorf("creating CSV file: %w", err)
		}
		defer csvFile.Close()
		if err := report.WriteCSV(csvFile, processor, orderBy); err != nil {
			return fmt.Errorf("writing CSV: %w", err)
		}
	}

	if f.flameGraph != "" {
		ffile, err := os.Create(f.flameGraph)
		if err != nil {
			return fmt.Errorf("creating flame-graph file: %w", err)
		}
		defer ffile.Close()
		if err := report.WriteFoldedStacks(ffile, processor, orderBy); err != nil {
			return fmt.Errorf("writing folded stacks: %w", err)
		}
	}

	return nil
}

func newLogger(verbose bool) logr.Logger {
	var zapLogger *zap.Logger
	if verbose {
		zapLogger, _ = zap.NewDevelopment()
	} else {
		zapLogger, _ = zap.NewProduction()
	}
	return zapr.NewLogger(zapLogger)
}
