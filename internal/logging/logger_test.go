package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if err := logger.Close(); err != nil {
				t.Errorf("Close() = %v", err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, err=%v)", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	deviceLogger := logger.WithDevice(42)
	deviceLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "device_id=42") {
		t.Errorf("Expected device_id=42 in output, got: %s", output)
	}

	buf.Reset()
	deviceLogger.WithQueue(1).WithSegment(3).Info("queue message")

	output = buf.String()
	for _, want := range []string{"device_id=42", "queue_id=1", "segment=3"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output, got: %s", want, output)
		}
	}
}

func TestLoggerWithRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithRequest(123, "READ").Debug("processing request")

	output := buf.String()
	if !strings.Contains(output, "tag=123") {
		t.Errorf("Expected tag=123 in output, got: %s", output)
	}
	if !strings.Contains(output, "op=READ") {
		t.Errorf("Expected op=READ in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithError(errors.New("test error")).Error("operation failed")

	if output := buf.String(); !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got: %s", buf.String())
	}
	if logger.DebugEnabled() {
		t.Error("DebugEnabled() should be false at warn level")
	}

	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected warn output, got: %s", buf.String())
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: &buf, Sync: true})

	logger.Info("device started", "dev_id", 3, "blocks", 5)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["message"] != "device started" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["blocks"] != float64(5) {
		t.Errorf("blocks = %v, want 5", entry["blocks"])
	}
}

func TestControlPlaneLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.ControlStart("ADD_DEV")
	output := buf.String()
	if !strings.Contains(output, "control operation starting") {
		t.Errorf("Expected control start message, got: %s", output)
	}
	if !strings.Contains(output, "operation=ADD_DEV") {
		t.Errorf("Expected operation=ADD_DEV, got: %s", output)
	}

	buf.Reset()
	logger.ControlSuccess("ADD_DEV")
	if output := buf.String(); !strings.Contains(output, "control operation succeeded") {
		t.Errorf("Expected control success message, got: %s", output)
	}

	buf.Reset()
	logger.ControlError("ADD_DEV", errors.New("device exists"))
	output = buf.String()
	if !strings.Contains(output, "control operation failed") {
		t.Errorf("Expected control error message, got: %s", output)
	}
	if !strings.Contains(output, "device exists") {
		t.Errorf("Expected error text, got: %s", output)
	}
}

func TestAsyncWriterFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: &buf})

	logger.Info("queued")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !strings.Contains(buf.String(), "queued") {
		t.Errorf("expected flushed output, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(newTestLogger(&buf, LevelDebug))
	defer SetDefault(prev)

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("Expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected key=value, got: %s", output)
	}

	for _, fn := range []struct {
		log func(string, ...any)
		msg string
	}{
		{Info, "info message"},
		{Warn, "warning message"},
		{Error, "error message"},
	} {
		buf.Reset()
		fn.log(fn.msg)
		if !strings.Contains(buf.String(), fn.msg) {
			t.Errorf("Expected %q, got: %s", fn.msg, buf.String())
		}
	}
}
