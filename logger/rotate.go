package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// DailyFileWriter is an io.Writer over {service}_{date}.log in a directory.
// The first write of a new day closes yesterday's file and opens today's.
// Safe for concurrent use.
type DailyFileWriter struct {
	service string
	dir     string

	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool
	now    func() time.Time
}

// NewDailyFileWriter opens today's file in logDir, which must exist.
func NewDailyFileWriter(service, logDir string) (*DailyFileWriter, error) {
	w := &DailyFileWriter{service: service, dir: logDir, now: time.Now}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(); err != nil {
		return nil, err
	}

	return w, nil
}

// Write appends p to the current day's file.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("log writer is closed")
	}

	if w.file == nil || w.now().Format(dateLayout) != w.date {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	return w.file.Write(p)
}

// Close closes the current file. Later writes fail.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentLogFile returns the path being written, or "" once closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.path(w.date)
}

func (w *DailyFileWriter) rotateLocked() error {
	date := w.now().Format(dateLayout)
	file, err := os.OpenFile(w.path(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.path(date), err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = file
	w.date = date
	return nil
}

func (w *DailyFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}
