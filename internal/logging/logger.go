package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SupervisorLogName is the supervisor's own log inside the logs directory.
const SupervisorLogName = "runlevel.log"

// Logger appends timestamped lines to .runlevel/logs/runlevel.log so users
// can inspect restarts and gate decisions after the terminal is gone.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
}

// New creates (or reuses) the supervisor log file inside logDir.
func New(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, SupervisorLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f}, nil
}

// Mirror copies every line to w as well (for example stderr while the
// dashboard is not running).
func (l *Logger) Mirror(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.mirror = w
	l.mu.Unlock()
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := time.Now().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, line)
	if l.mirror != nil {
		fmt.Fprintf(l.mirror, "[%s] %s\n", timestamp, line)
	}
}

// WorkerLogPath returns the log file that receives a worker's raw output.
func WorkerLogPath(logDir, worker string) string {
	return filepath.Join(logDir, sanitize(worker)+".log")
}

// OpenWorkerLog opens a worker's output log for appending. The caller owns
// the returned file.
func OpenWorkerLog(logDir, worker string) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := WorkerLogPath(logDir, worker)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open worker log %s: %w", worker, err)
	}
	return f, nil
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "worker"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
