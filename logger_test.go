package kdn

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger_NilHandler(t *testing.T) {
	l := NewLogger(nil)
	assert.NotNil(t, l.Logger)
	assert.True(t, l.Enabled(t.Context(), slog.LevelInfo))
	assert.False(t, l.Enabled(t.Context(), slog.LevelDebug))
}

func TestNoopLogger_Discards(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(t.Context(), slog.LevelError))
	l.LogBuild(1, 1, TreeStats{}, time.Second, errors.New("ignored"))
}

func TestLogger_LogBuild(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.LogBuild(100, 3, TreeStats{Nodes: 19, Leaves: 10, Depth: 4, LargestLeaf: 10}, time.Millisecond, nil)
	out := buf.String()
	assert.Contains(t, out, "level=DEBUG")
	assert.Contains(t, out, "samples=100")
	assert.Contains(t, out, "leaves=10")
	assert.Contains(t, out, "depth=4")

	buf.Reset()
	l.LogBuild(0, 0, TreeStats{}, 0, ErrInvalidInput)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "index build failed")
}
