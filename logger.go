package kdn

import (
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with kdn-specific helpers so every component logs
// with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, a text handler writing to stderr at Info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// LogBuild logs the outcome of an index build.
func (l *Logger) LogBuild(samples, dims int, st TreeStats, elapsed time.Duration, err error) {
	if err != nil {
		l.Error("index build failed",
			"samples", samples,
			"dims", dims,
			"error", err,
		)
		return
	}
	l.Debug("index built",
		"samples", samples,
		"dims", dims,
		"nodes", st.Nodes,
		"leaves", st.Leaves,
		"depth", st.Depth,
		"largest_leaf", st.LargestLeaf,
		"duration", elapsed,
	)
}

// LogPredict logs a batch prediction.
func (l *Logger) LogPredict(rows, k int, weighted bool, elapsed time.Duration, err error) {
	if err != nil {
		l.Error("predict failed",
			"rows", rows,
			"k", k,
			"error", err,
		)
		return
	}
	l.Debug("predict completed",
		"rows", rows,
		"k", k,
		"weighted", weighted,
		"duration", elapsed,
	)
}

// LogSnapshot logs a save or load of a model snapshot.
func (l *Logger) LogSnapshot(op string, codec Codec, compression Compression, err error) {
	if err != nil {
		l.Error("snapshot failed",
			"op", op,
			"codec", codec.String(),
			"compression", compression.String(),
			"error", err,
		)
		return
	}
	l.Info("snapshot completed",
		"op", op,
		"codec", codec.String(),
		"compression", compression.String(),
	)
}
