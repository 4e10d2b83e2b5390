// Package logging builds the per-component loggers. Every component logs
// through a plain *log.Logger with a bracketed prefix; this package only
// decides where the lines go.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	// File, when set, receives every line through a rotating writer.
	File string

	// MaxSizeMB, MaxBackups and MaxAgeDays control rotation
	// (defaults: 10MB, 3 backups, 28 days).
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool

	// Quiet suppresses the stderr mirror when File is set, and all
	// output when it is not.
	Quiet bool
}

// Sink is a shared log destination. Loggers created from the same Sink
// write to the same rotating file.
type Sink struct {
	w    io.Writer
	file *lumberjack.Logger

	mu     sync.Mutex
	closed bool
}

// NewSink opens the destination described by opts.
func NewSink(opts Options) *Sink {
	s := &Sink{}

	var writers []io.Writer
	if opts.File != "" {
		s.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   opts.Compress,
		}
		writers = append(writers, s.file)
	}
	if !opts.Quiet {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		s.w = io.Discard
	case 1:
		s.w = writers[0]
	default:
		s.w = io.MultiWriter(writers...)
	}
	return s
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New returns a logger with a "[name] " prefix.
func (s *Sink) New(name string) *log.Logger {
	return log.New(s.w, "["+name+"] ", log.LstdFlags)
}

// Writer returns the underlying destination.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Rotate starts a new log file. It is a no-op without a file.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close closes the log file, if any. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
