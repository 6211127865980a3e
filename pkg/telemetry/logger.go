package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger owns the process log output. Packages receive the zerolog.Logger
// it wraps and add their own component field.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

type loggerContextKey struct{}

// NewLogger opens the configured output. Output is stderr, stdout or a file
// path that is appended to.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var (
		writer io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output: %w", err)
		}
		writer, closer = file, file
	}

	l := newLogger(writer, cfg)
	l.closer = closer
	return l, nil
}

func newLogger(writer io.Writer, cfg LoggingConfig) *Logger {
	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}
	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zlog := ctx.Logger()

	// Worker output is forwarded line by line at debug level; sampling keeps
	// a chatty deployment from flooding the log.
	if cfg.EnableSampling {
		zlog = zlog.Sample(zerolog.LevelSampler{
			DebugSampler: &zerolog.BurstSampler{
				Burst:       uint32(cfg.SamplingInitial),
				Period:      time.Second,
				NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
			},
		})
	}

	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// ForInstance returns a logger whose entries carry the orchestrator instance
// and the tier it schedules.
func (l *Logger) ForInstance(instanceID string, production bool) zerolog.Logger {
	tier := "non-production"
	if production {
		tier = "production"
	}
	return l.zlog.With().Str("instance", instanceID).Str("tier", tier).Logger()
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or one that discards
// everything.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.Nop()}
}

// Close closes a file output.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
