package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

// FileLog is a WarningLog backed by one long-lived O_APPEND file handle.
// Every Append writes a whole line with a single Write call while holding mu.
type FileLog struct {
	path string

	mu     sync.Mutex
	f      *os.File
	closed bool

	written atomic.Uint64
	failed  atomic.Uint64
}

// FileLogStats holds append counters
type FileLogStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

// OpenFileLog opens (creating if needed) the log file and its parent directory.
func OpenFileLog(path string) (*FileLog, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	path = filepath.Clean(path)

	fl := &FileLog{path: path}
	f, err := fl.open()
	if err != nil {
		return nil, err
	}
	fl.f = f

	logger.WithComponent("warning_log").Info().
		Str("path", path).
		Msg("warning log opened")
	return fl, nil
}

// open creates the parent directory and opens the file for appending.
func (fl *FileLog) open() (*os.File, error) {
	if dir := filepath.Dir(fl.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open warning log: %w", err)
	}
	return f, nil
}

// Append writes entry as one line. Cancellation is ignored: a warning that
// was evaluated is always recorded.
func (fl *FileLog) Append(_ context.Context, entry models.WarningEntry) error {
	line := []byte(entry.Line())
	start := time.Now()

	err := fl.write(line)
	metrics.WarningLogWriteDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		fl.failed.Add(1)
		metrics.WarningLogWritesTotal.WithLabelValues("failed").Inc()
		return err
	}

	fl.written.Add(1)
	metrics.WarningLogWritesTotal.WithLabelValues("success").Inc()
	return nil
}

func (fl *FileLog) write(line []byte) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.closed {
		return ErrLogClosed
	}
	if _, err := fl.f.Write(line); err != nil {
		return fmt.Errorf("write warning log: %w", err)
	}
	return nil
}

// Reopen closes the current handle and opens the path again, so an
// external rotation (rename + SIGHUP) starts a fresh file.
func (fl *FileLog) Reopen() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.closed {
		return ErrLogClosed
	}

	f, err := fl.open()
	if err != nil {
		// keep writing to the old handle rather than losing lines
		return err
	}

	old := fl.f
	fl.f = f
	if err := old.Close(); err != nil {
		logger.WithComponent("warning_log").Warn().Err(err).Msg("error closing rotated log handle")
	}

	logger.WithComponent("warning_log").Info().Str("path", fl.path).Msg("warning log reopened")
	return nil
}

// Close syncs and closes the file. Calling Close twice is a no-op.
func (fl *FileLog) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.closed {
		return nil
	}
	fl.closed = true

	if err := fl.f.Sync(); err != nil {
		logger.WithComponent("warning_log").Warn().Err(err).Msg("error syncing warning log")
	}
	if err := fl.f.Close(); err != nil {
		return fmt.Errorf("close warning log: %w", err)
	}
	return nil
}

// Healthy reports whether the log still accepts writes.
func (fl *FileLog) Healthy() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return !fl.closed
}

// Path returns the cleaned file path.
func (fl *FileLog) Path() string {
	return fl.path
}

// Stats returns append counters
func (fl *FileLog) Stats() FileLogStats {
	return FileLogStats{
		Written: fl.written.Load(),
		Failed:  fl.failed.Load(),
	}
}
