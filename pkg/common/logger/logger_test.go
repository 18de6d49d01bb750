package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestLoggerWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "test-service", nil)

	log.Info(context.Background(), "something happened", "job_id", "abc-123")

	m := decodeLine(t, &buf)
	assert.Equal(t, "something happened", m["msg"])
	assert.Equal(t, "test-service", m["service"])
	assert.Equal(t, "abc-123", m["job_id"])
	assert.Contains(t, m, "file")
}

func TestLoggerHonorsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "test-service", nil)

	log.Debug(context.Background(), "too quiet to hear")

	assert.Zero(t, buf.Len())
}

func TestLoggerWithScopesAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "test-service", nil).With("component", "reconciler")

	log.Info(context.Background(), "sweep complete")

	m := decodeLine(t, &buf)
	assert.Equal(t, "reconciler", m["component"])
}

func TestLoggerTraceIDFn(t *testing.T) {
	var buf bytes.Buffer
	traceIDFn := func(ctx context.Context) string { return "deadbeef" }
	log := New(&buf, LevelInfo, "test-service", traceIDFn)

	log.Info(context.Background(), "traced")

	m := decodeLine(t, &buf)
	assert.Equal(t, "deadbeef", m["trace_id"])
}

func TestLoggerErrorEventFires(t *testing.T) {
	var buf bytes.Buffer
	var captured Record
	events := Events{
		Error: func(ctx context.Context, r Record) { captured = r },
	}
	log := NewWithEvents(&buf, LevelInfo, "test-service", nil, events)

	log.Error(context.Background(), "load failed", "batch", 3)

	assert.Equal(t, "load failed", captured.Message)
	assert.Equal(t, LevelError, captured.Level)
	assert.EqualValues(t, 3, captured.Attributes["batch"])

	// The record still lands on the primary writer.
	m := decodeLine(t, &buf)
	assert.Equal(t, "load failed", m["msg"])
}

func TestLoggerMetadataOnEveryRecord(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithMetadata(&buf, LevelInfo, "test-service", nil, Events{}, map[string]string{
		"pod": "worker-0",
	})

	log.Info(context.Background(), "hello")

	m := decodeLine(t, &buf)
	assert.Equal(t, "worker-0", m["pod"])
}
