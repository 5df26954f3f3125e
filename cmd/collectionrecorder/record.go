package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jabeka/CollectionRecorder/internal/capture"
	"github.com/jabeka/CollectionRecorder/internal/catalog"
	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/config"
	"github.com/jabeka/CollectionRecorder/internal/device"
	"github.com/jabeka/CollectionRecorder/internal/metrics"
	"github.com/jabeka/CollectionRecorder/internal/notify"
	"github.com/jabeka/CollectionRecorder/internal/postprocess"
	"github.com/jabeka/CollectionRecorder/internal/server"
)

const (
	lockFileName    = ".collectionrecorder.lock"
	shutdownTimeout = 10 * time.Second
)

func newRecordCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "record",
		Short: "Record the configured input until interrupted or the input ends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, closer := initLogger(cfg.Logging)
			defer closer.Close()

			return runRecord(runCtx, cfg, recordDeps{
				logger:     logger,
				registerer: prometheus.DefaultRegisterer,
				gatherer:   prometheus.DefaultGatherer,
				configPath: ctx.configPath(),
			})
		},
	}
}

type recordDeps struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	configPath string
}

// runRecord records until ctx is done or the input ends, then finalizes the
// last segment and drains its post-processing before returning.
func runRecord(ctx context.Context, cfg *config.Config, deps recordDeps) error {
	logger := deps.logger

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.String("config_path", deps.configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("output_folder", cfg.Recorder.OutputFolder),
		slog.String("format", cfg.Recorder.Format),
		slog.String("source", cfg.Device.Source),
		slog.Int("sample_rate", cfg.Device.SampleRate),
		slog.Float64("rms_threshold", float64(cfg.Detection.RMSThreshold)),
		slog.Float64("silence_length", cfg.Detection.SilenceLength),
		slog.Bool("catalog", cfg.Catalog.Enabled),
		slog.Bool("notify", cfg.Notify.Enabled),
	)

	lock, err := acquireLock(cfg.Recorder.OutputFolder)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	m := metrics.NewMetrics(deps.registerer)
	factory := codec.NewRegistry()
	settings := captureSettings(cfg)

	sess := newSession(uuid.NewString(), factory, logger)
	logger.Info("Recording session created", slog.String("session_id", sess.id))

	if cfg.Catalog.Enabled {
		store, err := catalog.Open(cfg.Catalog.GetPath(cfg.Recorder.OutputFolder))
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer store.Close()

		if n, err := store.MarkInterrupted(ctx); err != nil {
			logger.Warn("Failed to mark interrupted segments", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Warn("Segments from a previous run were interrupted", slog.Int64("count", n))
		}
		sess.catalog = store
	}

	if cfg.Notify.Enabled {
		client, err := notify.NewClient(notifyConfig(cfg.Notify), logger, m)
		if err != nil {
			return fmt.Errorf("create notify client: %w", err)
		}
		sess.notifier = client
	}

	pool, err := postprocess.NewPool(postprocess.PoolConfig{
		Workers:   cfg.PostProcessing.Workers,
		QueueSize: cfg.PostProcessing.QueueSize,
		OnDone:    sess.jobDone,
	}, logger, m)
	if err != nil {
		return fmt.Errorf("create post-processing pool: %w", err)
	}
	sess.pool = pool

	engine := capture.NewEngine(factory, sess, capture.Options{
		PreviewSeconds: cfg.Recorder.PreviewSeconds,
	}, logger, m)

	source, udp, err := buildSource(cfg.Device, factory, logger, m)
	if err != nil {
		pool.Close()
		return fmt.Errorf("create %s source: %w", cfg.Device.Source, err)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = newStatusServer(cfg, logger, engine, sess, m, deps.gatherer, udp)
		if err := httpServer.Start(); err != nil {
			pool.Close()
			return fmt.Errorf("start HTTP server: %w", err)
		}
	}

	runErr := runCapture(ctx, engine, source, settings, logger)

	logger.Info("Starting graceful shutdown...")

	engine.Stop()
	if err := pool.Close(); err != nil {
		logger.Error("Error draining post-processing", slog.String("error", err.Error()))
	}
	if sess.notifier != nil {
		sess.notifier.Close()
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if udp != nil {
		stats := udp.GetStatistics()
		logger.Info("Final source statistics",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("packets_dropped", stats.PacketsDropped),
			slog.Uint64("parse_errors", stats.ParseErrors),
		)
	}

	logger.Info("Service stopped")
	return runErr
}

// runCapture drives the engine and the source until ctx is done or the
// input ends. The caller stops the engine afterwards.
func runCapture(ctx context.Context, engine *capture.Engine, source device.Source, settings capture.Settings, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cb := newAutoStart(engine, settings)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		if err := source.Run(gctx, cb); err != nil {
			return fmt.Errorf("device: %w", err)
		}
		if gctx.Err() == nil {
			logger.Info("Input ended")
		}
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-cb.errs:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	logger.Info("Service started successfully, waiting for signals...")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// acquireLock takes the single-recorder lock of the output folder
func acquireLock(outputFolder string) (*flock.Flock, error) {
	if err := os.MkdirAll(outputFolder, 0o755); err != nil {
		return nil, fmt.Errorf("create output folder: %w", err)
	}

	path := filepath.Join(outputFolder, lockFileName)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another recorder is writing to %s", outputFolder)
	}
	return lock, nil
}

func newStatusServer(cfg *config.Config, logger *slog.Logger, engine *capture.Engine, sess *session, m *metrics.Metrics, gatherer prometheus.Gatherer, udp *device.UDP) *server.HTTPServer {
	deps := server.Deps{
		Config:   cfg,
		Recorder: engine,
		Metrics:  m,
		Gatherer: gatherer,
		Version:  version,
	}
	if sess.catalog != nil {
		deps.Catalog = sess.catalog
	}

	httpServer := server.NewHTTPServer(cfg.HTTP, logger, deps)
	httpServer.AddComponent("post_processing", func() any {
		return map[string]int{"pending_jobs": sess.pool.Pending()}
	})
	if sess.notifier != nil {
		httpServer.AddComponent("notify", func() any { return sess.notifier.GetStats() })
	}
	if udp != nil {
		httpServer.AddComponent("udp", func() any { return udp.GetStatistics() })
	}
	return httpServer
}
