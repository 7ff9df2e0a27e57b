package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"Debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},        // Default
		{"invalid", slog.LevelInfo}, // Default for unknown
		{"trace", slog.LevelInfo},   // Unknown level defaults to info
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			result := ParseLevel(tc.input)
			if result != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, result, tc.expected)
			}
		})
	}
}

func TestNewLogger_Formats(t *testing.T) {
	testCases := []string{"json", "text", "JSON", "TEXT", "", "invalid"}

	for _, format := range testCases {
		t.Run(format, func(t *testing.T) {
			// Should not panic
			logger := NewLogger(format, "info", false)
			if logger == nil {
				t.Error("NewLogger returned nil")
			}
		})
	}
}

func TestNewLogger_Levels(t *testing.T) {
	testCases := []string{"debug", "info", "warn", "error", "", "invalid"}

	for _, level := range testCases {
		t.Run(level, func(t *testing.T) {
			// Should not panic
			logger := NewLogger("json", level, false)
			if logger == nil {
				t.Error("NewLogger returned nil")
			}
		})
	}
}

func TestNewLogger_VerboseOverride(t *testing.T) {
	// When verbose=true, log level should be debug regardless of level param
	var buf bytes.Buffer

	// Create logger with writer to capture output
	logger := NewLoggerWithWriter(&buf, "text", "error")
	logger.Debug("debug message")

	// Error level logger should not log debug messages
	if strings.Contains(buf.String(), "debug message") {
		t.Error("Error-level logger should not log debug messages")
	}

	// Note: NewLogger's verbose flag can't be tested with NewLoggerWithWriter
	// since verbose only affects NewLogger. Just verify NewLogger doesn't panic.
	verboseLogger := NewLogger("text", "error", true)
	if verboseLogger == nil {
		t.Error("NewLogger with verbose=true returned nil")
	}
}

func TestNewLoggerWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLoggerWithWriter(&buf, "json", "info")
	logger.Info("test message", "key", "value")

	output := buf.String()

	// JSON format should contain JSON syntax
	if !strings.Contains(output, "{") || !strings.Contains(output, "}") {
		t.Errorf("Expected JSON format, got: %s", output)
	}
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected message in output, got: %s", output)
	}
	if !strings.Contains(output, `"key"`) {
		t.Errorf("Expected key in output, got: %s", output)
	}
	if !strings.Contains(output, `"value"`) {
		t.Errorf("Expected value in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLoggerWithWriter(&buf, "text", "info")
	logger.Info("test message", "key", "value")

	output := buf.String()

	// Text format should contain readable log
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected key=value in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	t.Run("debug_logs_all", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(&buf, "text", "debug")

		logger.Debug("debug msg")
		logger.Info("info msg")
		logger.Warn("warn msg")
		logger.Error("error msg")

		output := buf.String()
		if !strings.Contains(output, "debug msg") {
			t.Error("Debug level should log debug messages")
		}
		if !strings.Contains(output, "info msg") {
			t.Error("Debug level should log info messages")
		}
		if !strings.Contains(output, "warn msg") {
			t.Error("Debug level should log warn messages")
		}
		if !strings.Contains(output, "error msg") {
			t.Error("Debug level should log error messages")
		}
	})

	t.Run("info_filters_debug", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(&buf, "text", "info")

		logger.Debug("debug msg")
		logger.Info("info msg")

		output := buf.String()
		if strings.Contains(output, "debug msg") {
			t.Error("Info level should not log debug messages")
		}
		if !strings.Contains(output, "info msg") {
			t.Error("Info level should log info messages")
		}
	})

	t.Run("warn_filters_info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(&buf, "text", "warn")

		logger.Info("info msg")
		logger.Warn("warn msg")

		output := buf.String()
		if strings.Contains(output, "info msg") {
			t.Error("Warn level should not log info messages")
		}
		if !strings.Contains(output, "warn msg") {
			t.Error("Warn level should log warn messages")
		}
	})

	t.Run("error_filters_warn", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(&buf, "text", "error")

		logger.Warn("warn msg")
		logger.Error("error msg")

		output := buf.String()
		if strings.Contains(output, "warn msg") {
			t.Error("Error level should not log warn messages")
		}
		if !strings.Contains(output, "error msg") {
			t.Error("Error level should log error messages")
		}
	})
}

func TestNewLoggerWithWriter_DefaultFormat(t *testing.T) {
	var buf bytes.Buffer

	// Invalid format should default to text
	logger := NewLoggerWithWriter(&buf, "invalid", "info")
	logger.Info("test message")

	output := buf.String()

	// Text format uses key=value, not JSON
	if strings.HasPrefix(strings.TrimSpace(output), "{") {
		t.Error("Default format should be text, not JSON")
	}
}

func TestSetDefault(t *testing.T) {
	// Save original default logger to restore later
	originalDefault := slog.Default()
	defer slog.SetDefault(originalDefault)

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "text", "info")

	// Should not panic
	SetDefault(logger)

	// Verify it was set
	slog.Info("from default logger")
	if !strings.Contains(buf.String(), "from default logger") {
		t.Error("SetDefault did not set the default logger")
	}
}

func TestNewLoggerWithWriter_NilWriter(t *testing.T) {
	// This will panic at runtime when trying to log, but creation should work
	// (or we could check that it panics)
	defer func() {
		// We're just checking that NewLoggerWithWriter doesn't panic
		// Logging to nil writer would panic, but that's expected
		_ = recover()
	}()

	logger := NewLoggerWithWriter(nil, "text", "info")
	if logger == nil {
		t.Error("NewLoggerWithWriter returned nil")
	}

	// This would panic, which is expected behavior
	logger.Info("this will panic")
}

func TestNewLoggerWithWriter_EmptyStrings(t *testing.T) {
	var buf bytes.Buffer

	// Empty format and level should use defaults
	logger := NewLoggerWithWriter(&buf, "", "")
	if logger == nil {
		t.Error("NewLoggerWithWriter returned nil")
	}

	logger.Info("test message")
	if !strings.Contains(buf.String(), "test message") {
		t.Error("Logger with empty strings should still work")
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("Discard logger should not be enabled at any level")
	}
	logger.Error("dropped")
}

// LineHandler tests

func newTestLineHandler(level slog.Level) (*LineHandler, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "text", "debug").With("proc", 0, "fd", 2)
	return NewLineHandler(logger, level), &buf
}

func TestLineHandler_Write(t *testing.T) {
	h, buf := newTestLineHandler(slog.LevelInfo)

	h.Write([]byte("first line\nsecond "))
	if h.Lines() != 1 {
		t.Fatalf("Lines() = %d, want 1", h.Lines())
	}
	h.Write([]byte("half\r\nthird\n"))
	if h.Lines() != 3 {
		t.Fatalf("Lines() = %d, want 3", h.Lines())
	}

	lines := h.RecentLines(3)
	want := []string{"first line", "second half", "third"}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	output := buf.String()
	if !strings.Contains(output, "child_output") || !strings.Contains(output, "proc=0") {
		t.Errorf("Expected child_output record with proc attr, got: %s", output)
	}
}

func TestLineHandler_Flush(t *testing.T) {
	h, buf := newTestLineHandler(slog.LevelInfo)

	h.Write([]byte("no newline"))
	if h.Lines() != 0 {
		t.Fatal("partial line should not be logged before Flush")
	}
	h.Flush()
	if h.Lines() != 1 || !strings.Contains(buf.String(), "no newline") {
		t.Error("Flush should log the partial line")
	}
	h.Flush()
	if h.Lines() != 1 {
		t.Error("second Flush should be a no-op")
	}
}

func TestLineHandler_LongLine(t *testing.T) {
	h, _ := newTestLineHandler(slog.LevelInfo)

	h.Write([]byte(strings.Repeat("x", MaxLineLength+100)))
	if h.Lines() != 1 {
		t.Fatalf("overlong partial line should be emitted, Lines() = %d", h.Lines())
	}
	lines := h.RecentLines(1)
	if !strings.HasSuffix(lines[0], "...(truncated)") {
		t.Error("Truncated line should end with '...(truncated)'")
	}
}

func TestLineHandler_CircularBuffer(t *testing.T) {
	h, _ := newTestLineHandler(slog.LevelDebug)

	// Add more lines than buffer size
	for i := 0; i < MaxBufferedLines+50; i++ {
		h.Write([]byte("line\n"))
	}

	lines := h.RecentLines(MaxBufferedLines + 10)
	if len(lines) != MaxBufferedLines {
		t.Errorf("Got %d lines, want %d", len(lines), MaxBufferedLines)
	}
	if h.Lines() != MaxBufferedLines+50 {
		t.Errorf("Lines() = %d, want %d", h.Lines(), MaxBufferedLines+50)
	}
}

func TestLineHandler_RecentLines_Empty(t *testing.T) {
	h, _ := newTestLineHandler(slog.LevelInfo)
	if lines := h.RecentLines(10); len(lines) != 0 {
		t.Errorf("Expected 0 lines for empty buffer, got %d", len(lines))
	}
}

func TestLineHandler_ClassifyLine(t *testing.T) {
	testCases := []struct {
		base     slog.Level
		line     string
		expected slog.Level
	}{
		{slog.LevelInfo, "plain output", slog.LevelInfo},
		{slog.LevelDebug, "plain output", slog.LevelDebug},
		{slog.LevelInfo, "ERROR: disk full", slog.LevelError},
		{slog.LevelInfo, "[error] something failed", slog.LevelError},
		{slog.LevelInfo, "fatal: not a repository", slog.LevelError},
		{slog.LevelInfo, "Warning: deprecated", slog.LevelWarn},
		{slog.LevelInfo, "[warning] slow", slog.LevelWarn},
		{slog.LevelError, "warning: ignored", slog.LevelError},
	}

	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			h, _ := newTestLineHandler(tc.base)
			level := h.classifyLine(tc.line)
			if level != tc.expected {
				t.Errorf("classifyLine(%q) = %v, want %v", tc.line, level, tc.expected)
			}
		})
	}
}

func TestLineHandler_InvalidUTF8(t *testing.T) {
	h, _ := newTestLineHandler(slog.LevelInfo)
	h.Write([]byte{'a', 0xff, 'b', '\n'})
	lines := h.RecentLines(1)
	if len(lines) != 1 || lines[0] != "a\uFFFDb" {
		t.Errorf("RecentLines() = %q", lines)
	}
}
