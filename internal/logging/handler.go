package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per descriptor.
	MaxBufferedLines = 100
)

// LineHandler turns bytes a child writes on a descriptor into log records,
// one per line. It buffers recent lines for the exit summary.
//
// It is fed from the supervisor loop and is not safe for concurrent use.
type LineHandler struct {
	logger *slog.Logger
	level  slog.Level

	partial []byte
	lines   int

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
}

// NewLineHandler returns a handler logging at level. The logger normally
// carries the proc index and fd as attributes.
func NewLineHandler(logger *slog.Logger, level slog.Level) *LineHandler {
	return &LineHandler{
		logger: logger,
		level:  level,
		buffer: make([]string, MaxBufferedLines),
	}
}

// Write consumes p, logging every complete line. It never fails.
func (h *LineHandler) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			h.partial = append(h.partial, p...)
			if len(h.partial) > MaxLineLength {
				h.emit(h.partial)
				h.partial = h.partial[:0]
			}
			break
		}
		if len(h.partial) > 0 {
			h.partial = append(h.partial, p[:i]...)
			h.emit(h.partial)
			h.partial = h.partial[:0]
		} else {
			h.emit(p[:i])
		}
		p = p[i+1:]
	}
	return n, nil
}

// Flush logs a trailing line that had no newline.
func (h *LineHandler) Flush() {
	if len(h.partial) > 0 {
		h.emit(h.partial)
		h.partial = nil
	}
}

// Lines returns the number of lines logged so far.
func (h *LineHandler) Lines() int {
	return h.lines
}

func (h *LineHandler) emit(b []byte) {
	line := strings.ToValidUTF8(strings.TrimSuffix(string(b), "\r"), "\uFFFD")
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.lines++

	h.logger.Log(context.Background(), h.classifyLine(line), "child_output", "line", line)
}

// classifyLine raises the level of lines that announce a more severe level
// than the handler's own.
func (h *LineHandler) classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)
	level := h.level

	switch {
	case strings.HasPrefix(lower, "error") || strings.Contains(lower, "[error]") ||
		strings.Contains(lower, "fatal"):
		level = max(level, slog.LevelError)
	case strings.HasPrefix(lower, "warn") || strings.Contains(lower, "[warning]"):
		level = max(level, slog.LevelWarn)
	}
	return level
}

// RecentLines returns the most recent lines from the buffer.
func (h *LineHandler) RecentLines(n int) []string {
	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)

	// Read from circular buffer in order
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}
