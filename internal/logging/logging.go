// Package logging sets up the process-wide structured logger. Output is
// JSON on stdout, optionally teed to a file, with a shared level var so the
// runtime log-level setting can be changed without rebuilding handlers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Options configure Setup. Level is the initial level name; the database's
// log-level setting overrides it once loaded. File, when set, receives a
// copy of every log line.
type Options struct {
	Level string
	File  string
}

// FromEnv builds Options from LOG_LEVEL and LOG_FILE.
func FromEnv() Options {
	return Options{
		Level: os.Getenv("LOG_LEVEL"),
		File:  os.Getenv("LOG_FILE"),
	}
}

// Setup installs the default slog logger and returns the level var for
// runtime adjustment plus a close func for the log file (a no-op when no
// file is configured).
func Setup(opts Options) (*slog.LevelVar, func() error, error) {
	level := new(slog.LevelVar)
	if opts.Level != "" {
		lv, err := ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, err
		}
		level.Set(lv)
	}

	var out io.Writer = os.Stdout
	closer := func() error { return nil }
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = NewTee(os.Stdout, f)
		closer = f.Close
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	})))

	return level, closer, nil
}

// ParseLevel maps a level name to a slog.Level, accepting the usual aliases.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// Tee is an io.Writer that copies every write to each destination. A short
// write from one destination does not stop the others.
type Tee struct {
	mu   sync.Mutex
	outs []io.Writer
}

// NewTee returns a Tee writing to each of outs in order.
func NewTee(outs ...io.Writer) *Tee {
	return &Tee{outs: outs}
}

// Write implements io.Writer. Every call is expected to be one JSON log line.
func (t *Tee) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, out := range t.outs {
		if _, err := out.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return 0, firstErr
	}
	return len(p), nil
}
