package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/metrics"
	"github.com/jabeka/CollectionRecorder/internal/postprocess"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var (
		normalize   bool
		trim        bool
		removeShort bool
		minChunk    time.Duration
		workers     int
	)

	cmd := &cobra.Command{
		Use:   "process <files or folders...>",
		Short: "Run the post-processing stages on existing recordings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			opts := postProcessOptions(cfg)
			flags := cmd.Flags()
			if flags.Changed("normalize") {
				opts.Normalize = normalize
			}
			if flags.Changed("trim") {
				opts.Trim = trim
			}
			if flags.Changed("remove-short") {
				opts.RemoveShortChunks = removeShort
			}
			if flags.Changed("min-chunk") {
				opts.MinChunkDuration = minChunk
			}
			if !opts.Enabled() {
				return fmt.Errorf("no post-processing stage selected")
			}

			n := cfg.PostProcessing.Workers
			if flags.Changed("workers") {
				n = workers
			}

			logger, closer := initLogger(cfg.Logging)
			defer closer.Close()

			paths, err := expandPaths(args, logger)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no recordings found in %s", strings.Join(args, ", "))
			}

			reports, err := processFiles(cmd.Context(), paths, opts, n, logger)
			if err != nil {
				return err
			}
			return printReports(cmd.OutOrStdout(), reports)
		},
	}

	cmd.Flags().BoolVar(&normalize, "normalize", true, "Scale to full-scale peak")
	cmd.Flags().BoolVar(&trim, "trim", true, "Cut leading and trailing silence")
	cmd.Flags().BoolVar(&removeShort, "remove-short", true, "Delete files shorter than --min-chunk")
	cmd.Flags().DurationVar(&minChunk, "min-chunk", time.Second, "Minimum length kept by --remove-short")
	cmd.Flags().IntVar(&workers, "workers", 2, "Parallel jobs")

	return cmd
}

// expandPaths replaces each folder argument with the recordings directly
// inside it. Leftover stage temp files are never processed.
func expandPaths(args []string, logger *slog.Logger) ([]string, error) {
	factory := codec.NewRegistry()

	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if postprocess.IsTemp(arg) {
				return nil, fmt.Errorf("%s is an interrupted post-processing temp file", arg)
			}
			paths = append(paths, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if postprocess.IsTemp(e.Name()) {
				logger.Warn("Skipping leftover temp file", slog.String("file", filepath.Join(arg, e.Name())))
				continue
			}
			if !factory.CanRead(e.Name()) {
				continue
			}
			paths = append(paths, filepath.Join(arg, e.Name()))
		}
	}
	return paths, nil
}

// processFiles runs one job per file and returns the reports in argument order
func processFiles(ctx context.Context, paths []string, opts postprocess.Options, workers int, logger *slog.Logger) ([]postprocess.Report, error) {
	factory := codec.NewRegistry()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	var (
		mu      sync.Mutex
		reports = make(map[string]postprocess.Report, len(paths))
	)

	pool, err := postprocess.NewPool(postprocess.PoolConfig{
		Workers:   max(workers, 1),
		QueueSize: len(paths),
		OnDone: func(r postprocess.Report) {
			mu.Lock()
			reports[r.JobID] = r
			mu.Unlock()
		},
	}, logger, m)
	if err != nil {
		return nil, err
	}

	jobs := make([]*postprocess.Job, 0, len(paths))
	for _, path := range paths {
		job := postprocess.NewJob("", path, opts, factory)
		if err := pool.Submit(ctx, job); err != nil {
			pool.Abort()
			return nil, fmt.Errorf("queue %s: %w", path, err)
		}
		jobs = append(jobs, job)
	}

	if err := pool.Close(); err != nil {
		return nil, err
	}

	ordered := make([]postprocess.Report, 0, len(jobs))
	for _, job := range jobs {
		ordered = append(ordered, reports[job.ID])
	}
	return ordered, nil
}

func printReports(w io.Writer, reports []postprocess.Report) error {
	columns := []column{{title: "File"}, {title: "Outcome"}, {title: "Frames", numeric: true}, {title: "Stages"}, {title: "Took", numeric: true}}
	rows := make([][]string, 0, len(reports))

	failed := 0
	for _, r := range reports {
		if r.Failed {
			failed++
		}
		rows = append(rows, []string{
			filepath.Base(r.Path),
			r.Outcome(),
			fmt.Sprintf("%d", r.Frames),
			stageSummary(r.Stages),
			r.Duration.Round(time.Millisecond).String(),
		})
	}

	fmt.Fprintln(w, renderTable(columns, rows))

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(reports))
	}
	return nil
}

func stageSummary(stages []postprocess.StageReport) string {
	if len(stages) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(stages))
	for _, s := range stages {
		if s.Error != "" {
			parts = append(parts, s.Stage+" (failed)")
			continue
		}
		parts = append(parts, s.Stage)
	}
	return strings.Join(parts, ", ")
}
