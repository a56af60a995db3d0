package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotateOptions bounds a RotatingWriter. Zero values fall back to 100MB,
// 7 backups and 30 days.
type RotateOptions struct {
	MaxSize    int64
	MaxBackups int
	MaxAge     time.Duration
}

func (o RotateOptions) withDefaults() RotateOptions {
	if o.MaxSize <= 0 {
		o.MaxSize = 100 << 20
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = 7
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 30 * 24 * time.Hour
	}
	return o
}

// RotatingWriter appends to a file and shifts it into numbered backups
// (path.1, path.2, ...) once the next write would exceed MaxSize.
type RotatingWriter struct {
	mu   sync.Mutex
	path string
	opts RotateOptions
	file *os.File
	size int64
}

// NewRotatingWriter keeps the signature used by the audit config, which
// expresses limits in megabytes and days.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	return OpenRotating(path, RotateOptions{
		MaxSize:    int64(maxSizeMB) << 20,
		MaxBackups: maxBackups,
		MaxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	})
}

// OpenRotating creates the parent directory of path. The file itself is
// opened lazily on first write.
func OpenRotating(path string, opts RotateOptions) (*RotatingWriter, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &RotatingWriter{path: path, opts: opts.withDefaults()}, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(p)) > w.opts.MaxSize {
		w.rotate()
		if err := w.ensureFile(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close releases the current file handle. A later Write reopens it.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *RotatingWriter) ensureFile() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) backup(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}

func (w *RotatingWriter) rotate() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	_ = os.Remove(w.backup(w.opts.MaxBackups))
	for i := w.opts.MaxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(w.backup(i)); err == nil {
			_ = os.Rename(w.backup(i), w.backup(i+1))
		}
	}
	_ = os.Rename(w.path, w.backup(1))

	cutoff := time.Now().Add(-w.opts.MaxAge)
	for i := 1; i <= w.opts.MaxBackups; i++ {
		info, err := os.Stat(w.backup(i))
		if err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(w.backup(i))
		}
	}
}
