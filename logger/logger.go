// Package logger is the chat server's diagnostic sink: a small structured
// logging interface backed by zerolog, with console, JSON and daily-rotated
// file outputs.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field is one key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger writes levelled, structured entries. Implementations are safe for
// concurrent use.
type Logger interface {
	// Debug logs msg at debug level.
	Debug(msg string, fields ...Field)

	// Info logs msg at info level.
	Info(msg string, fields ...Field)

	// Warn logs msg at warn level.
	Warn(msg string, fields ...Field)

	// Error logs msg at error level.
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry. The receiver is
	// unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger carrying the fields
	With(fields ...Field) Logger

	// Close releases any file held by the logger. It is safe to call more
	// than once; derived loggers never close the shared file.
	Close() error
}

type zerologLogger struct {
	logger zerolog.Logger
	closer io.Closer
}

// New builds a Logger that writes JSON lines to w. Each entry carries the
// service name and a timestamp; entries below level are dropped.
//
// Parameters:
//   - w: Destination for log lines; wrapped so concurrent writes never interleave
//   - serviceName: Added as the "service" field of every entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger writing to w
func New(w io.Writer, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: zerolog.New(zerolog.SyncWriter(w)).
			With().Str("service", serviceName).Timestamp().Logger().
			Level(level),
	}
}

// NewConsole builds a Logger that prints human-readable lines to stderr.
func NewConsole(serviceName string, level zerolog.Level) Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, serviceName, level)
}

// NewFile builds a Logger that writes to stderr and to daily-rotated files
// named {serviceName}_{date}.log under logDir. The directory is created if
// needed.
//
// Parameters:
//   - serviceName: Used in entries and file names
//   - logDir: Directory for the log files
//   - level: Minimum level to log
//
// Returns:
//   - The Logger, or an error if the directory or first file cannot be opened
func NewFile(serviceName, logDir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	fw, err := NewDailyFileWriter(serviceName, logDir)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	l := New(zerolog.MultiLevelWriter(console, fw), serviceName, level).(*zerologLogger)
	l.closer = fw
	return l, nil
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a level name such as "debug" or "warn" to a zerolog level.
// An empty string means info.
func ParseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q: %w", name, err)
	}

	return level, nil
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Close() error {
	if z.closer == nil {
		return nil
	}

	c := z.closer
	z.closer = nil
	return c.Close()
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
