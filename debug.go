package tally

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Debug log rotation limits.
const (
	debugLogMaxSizeMB  = 10
	debugLogMaxBackups = 3
	debugLogMaxAgeDays = 7
)

// DebugLogger traces sync passes. When enabled, it logs raw remote traffic
// from the REST store, each queue item's outcome and the totals of a pass.
type DebugLogger struct {
	mu      sync.Mutex
	enabled bool
	writer  io.Writer
	closer  io.Closer
}

// NewDebugLogger creates a debug logger. If logPath is empty, logs go to
// stderr; otherwise to a size-rotated file at logPath.
func NewDebugLogger(enabled bool, logPath string) (*DebugLogger, error) {
	l := &DebugLogger{enabled: enabled, writer: os.Stderr}

	if enabled && logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create debug log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    debugLogMaxSizeMB,
			MaxBackups: debugLogMaxBackups,
			MaxAge:     debugLogMaxAgeDays,
		}
		l.writer = rotating
		l.closer = rotating
	}

	return l, nil
}

// Close closes the rotating log file, if any.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Log writes a debug message if logging is enabled.
func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil || !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	msg := fmt.Sprintf(format, args...)
	_, _ = fmt.Fprintf(l.writer, "[%s] [TALLY DEBUG] %s\n", timestamp, msg)
}

// LogRequest logs an outgoing remote request.
func (l *DebugLogger) LogRequest(method, url string, body []byte) {
	if l == nil || !l.enabled {
		return
	}
	l.Log("REQUEST %s %s", method, url)
	if len(body) > 0 {
		l.Log("REQUEST BODY: %s", truncateForLog(string(body), 2000))
	}
}

// LogResponse logs a remote response.
func (l *DebugLogger) LogResponse(statusCode int, status string, body []byte) {
	if l == nil || !l.enabled {
		return
	}
	l.Log("RESPONSE %d %s", statusCode, status)
	if len(body) > 0 {
		l.Log("RESPONSE BODY: %s", truncateForLog(string(body), 4000))
	}
}

// LogError logs an error with full details.
func (l *DebugLogger) LogError(operation string, err error) {
	if l == nil || !l.enabled {
		return
	}
	l.Log("ERROR [%s]: %v", operation, err)
}

// LogItem logs the outcome of one queue item.
func (l *DebugLogger) LogItem(r ItemResult) {
	if l == nil || !l.enabled {
		return
	}
	line := fmt.Sprintf("ITEM #%d %s %s ref=%s -> %s", r.QueueID, r.Operation, r.EntityType, r.ClientRef, r.Outcome)
	if r.ServerID != "" {
		line += " server_id=" + r.ServerID
	}
	if r.Error != "" {
		line += " error=" + truncateForLog(r.Error, 500)
	}
	l.Log("%s", line)
}

// LogPass logs the totals of a finished sync pass.
func (l *DebugLogger) LogPass(r *SyncResult) {
	if l == nil || !l.enabled {
		return
	}
	l.Log("PASS synced=%d failed=%d skipped=%d deferred=%d took=%s",
		r.Synced, r.Failed, r.Skipped, r.Deferred, r.Duration)
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
