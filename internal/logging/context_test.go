package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, StepID(ctx))
	assert.Empty(t, Owner(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepID(ctx, "step-2")
	ctx = WithOwner(ctx, "alice")
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "step-2", StepID(ctx))
	assert.Equal(t, "alice", Owner(ctx))
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithOwner(WithRunID(context.Background(), "run-9"), "bob")
	logger.InfoContext(ctx, "step started", "step", 1)

	line := logLine(t, &buf)
	assert.Equal(t, "step started", line["msg"])
	assert.Equal(t, "run-9", line["run_id"])
	assert.Equal(t, "bob", line["owner"])
	_, hasStep := line["step_id"]
	assert.False(t, hasStep, "absent context values add no attrs")
}

func TestCorrelationHandlerPlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "boot")
	line := logLine(t, &buf)
	assert.Equal(t, "boot", line["msg"])
	_, hasRun := line["run_id"]
	assert.False(t, hasRun)
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "scheduler")

	logger.InfoContext(WithRunID(context.Background(), "run-3"), "tick")
	line := logLine(t, &buf)
	assert.Equal(t, "scheduler", line["component"])
	assert.Equal(t, "run-3", line["run_id"])
}
