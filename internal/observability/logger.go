package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/config"
	slogmulti "github.com/samber/slog-multi"
)

// NewLogger builds the run logger. The level is warn unless Verbose raises
// it to info; LogLevel overrides both. When LogFile is set, records are also
// written to that file as JSON. The returned close function releases the file.
func NewLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: logLevel(cfg)}

	var console slog.Handler
	if cfg.LogFormat == "json" {
		console = slog.NewJSONHandler(stderr, opts)
	} else {
		console = slog.NewTextHandler(stderr, opts)
	}

	if cfg.LogFile == "" {
		return slog.New(console), func() error { return nil }, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(
		console,
		slog.NewJSONHandler(f, opts),
	))
	return logger, f.Close, nil
}

func logLevel(cfg *config.Config) slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if cfg.Verbose {
		return slog.LevelInfo
	}
	return slog.LevelWarn
}
