// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	logger := New("test")
	logger.SetWriter(buf)
	logger.SetLevel(DEBUG)
	logger.SetColorize(false)
	return logger
}

func TestLoggerBasic(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf).Info("hello %s", "world")

	output := buf.String()
	assert.Contains(t, output, "[INFO ]")
	assert.Contains(t, output, "test:")
	assert.Contains(t, output, "hello world")
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetLevel(INFO)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "DEBUG should be filtered")

	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")
	output := buf.String()
	assert.Contains(t, output, "info message")
	assert.Contains(t, output, "warn message")
	assert.Contains(t, output, "error message")
}

func TestLoggerPercentWithoutArgs(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf).Info("progress 100%")
	assert.Contains(t, buf.String(), "progress 100%")
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetFormat(FormatJSON)

	logger.WithFields(Fields{"mcu": "ebb", "step": "build"}).Warn("json test")

	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "test", entry.Logger)
	assert.Equal(t, "json test", entry.Message)
	assert.Equal(t, "ebb", entry.Fields["mcu"])
	assert.Equal(t, "build", entry.Fields["step"])
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf).WithError(errors.New("exit status 2")).Error("make failed")
	assert.Contains(t, buf.String(), "error=exit status 2")
}

func TestEntryChaining(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	base := logger.WithField("request", "abc")
	base.WithField("mcu", "ebb").Info("flashing")
	assert.Contains(t, buf.String(), "{mcu=ebb, request=abc}")

	// the parent entry is not mutated by chaining
	buf.Reset()
	base.Info("done")
	assert.Contains(t, buf.String(), "{request=abc}")
}

func TestWithPrefixSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf)
	child := root.WithPrefix("mcu_flasher")

	root.SetLevel(WARN)
	child.Info("hidden")
	child.Warn("shown")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "mcu_flasher: shown")
}

func TestLoggerCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetCaller(true)

	logger.Info("with caller")
	assert.Contains(t, buf.String(), "logger_test.go:")

	buf.Reset()
	logger.WithField("k", 1).Info("entry caller")
	assert.Contains(t, buf.String(), "logger_test.go:")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Warn":    WARN,
		"error":   ERROR,
		"bogus":   INFO,
		"":        INFO,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("MOONRAKER_LOG_LEVEL", "error")
	t.Setenv("MOONRAKER_LOG_FORMAT", "json")

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ConfigureFromEnv(logger)

	logger.Warn("filtered")
	assert.Zero(t, buf.Len())

	logger.Error("kept")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestGetLogger(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf)
	SetDefaultLogger(root)
	defer SetDefaultLogger(nil)

	GetLogger("machine").Info("service stopped")
	assert.Contains(t, buf.String(), "machine: service stopped")
}
