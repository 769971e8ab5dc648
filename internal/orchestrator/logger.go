// Package orchestrator owns canonical task, phase and worker state and
// drives all state transitions under a single-writer discipline.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger appends timestamped diagnostics to a file. A nil logger
// discards everything, so callers never guard their log calls.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewDebugLogger opens a logger appending to path, creating parent
// directories as needed.
func NewDebugLogger(path string) (*DebugLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := &DebugLogger{file: f}
	l.Log("=== session started %s ===", time.Now().Format(time.RFC3339))
	return l, nil
}

// NewDebugLoggerForProject opens the debug log under the project's
// .devswarm/logs directory. Logging is best-effort: on error the
// returned logger discards output.
func NewDebugLoggerForProject(projectRoot string) *DebugLogger {
	l, err := NewDebugLogger(filepath.Join(projectRoot, ".devswarm", "logs", "orchestrator-debug.log"))
	if err != nil {
		return nil
	}
	return l
}

// Log writes one timestamped line.
func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "[%s] %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	l.file.Sync()
}

// Close closes the log file. Safe on a nil logger.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
