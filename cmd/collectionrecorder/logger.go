package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jabeka/CollectionRecorder/internal/config"
)

// initLogger creates the structured logger described by cfg. The returned
// closer releases a rotated log file and is a no-op for the std streams.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var (
		output   io.Writer
		closer   io.Closer = nopCloser{}
		terminal bool
	)

	switch cfg.Output {
	case "stderr":
		output = os.Stderr
		terminal = isTerminal(os.Stderr)
	case "stdout", "":
		output = os.Stdout
		terminal = isTerminal(os.Stdout)
	default:
		rotated := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		output = rotated
		closer = rotated
	}

	return slog.New(newHandler(cfg, output, terminal)), closer
}

func newHandler(cfg config.LoggingConfig, output io.Writer, terminal bool) slog.Handler {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(output, opts)
	case "auto", "":
		if terminal {
			return slog.NewTextHandler(output, opts)
		}
		return slog.NewJSONHandler(output, opts)
	default:
		return slog.NewTextHandler(output, opts)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
