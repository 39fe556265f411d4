// Package plog is the logger used throughout pprofit: log/slog with a
// compact terminal handler.
//
// Lines look like
//
//	ℹ️  batch started runner=local, batch=Batch-1, jobs=4
//
// The worker writes the same format to stderr, which the client side of a
// gateway forwards line by line at debug level.
package plog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Logger struct {
	*slog.Logger
}

// Options configure the terminal handler.
type Options struct {
	Level slog.Leveler
	// Timestamps prefixes each line with the wall-clock time.
	Timestamps bool
}

type cliHandler struct {
	opts   Options
	mu     *sync.Mutex
	out    io.Writer
	prefix string // group prefix for attributes added later
	attrs  string // preformatted attributes from WithAttrs
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func levelMark(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "❌ "
	case l >= slog.LevelWarn:
		return "⚠️  "
	case l >= slog.LevelInfo:
		return "ℹ️  "
	}
	return "🔍 "
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, p, ga)
		}
		return
	}
	if b.Len() > 0 {
		b.WriteString(", ")
	}
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	v := a.Value.String()
	if v == "" || strings.ContainsAny(v, " \t\n\",=") {
		v = strconv.Quote(v)
	}
	b.WriteString(v)
}

func (h *cliHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder
	if h.opts.Timestamps && !r.Time.IsZero() {
		line.WriteString(r.Time.Format("15:04:05.000 "))
	}
	line.WriteString(levelMark(r.Level))
	line.WriteString(r.Message)

	var attrs strings.Builder
	attrs.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&attrs, h.prefix, a)
		return true
	})
	if attrs.Len() > 0 {
		line.WriteByte(' ')
		line.WriteString(attrs.String())
	}
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line.String())
	return err
}

func (h *cliHandler) WithAttrs(as []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range as {
		appendAttr(&b, h.prefix, a)
	}
	c := *h
	c.attrs = b.String()
	return &c
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix += name + "."
	return &c
}

// New returns a Logger writing to out (stderr when nil).
func New(out io.Writer, opts Options) *Logger {
	if out == nil {
		out = os.Stderr
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	return &Logger{Logger: slog.New(&cliHandler{opts: opts, mu: &sync.Mutex{}, out: out})}
}

// NewLogger returns a Logger at level without timestamps.
func NewLogger(level slog.Level, out io.Writer) *Logger {
	return New(out, Options{Level: level})
}

func NewDefault() *Logger {
	return NewLogger(slog.LevelInfo, os.Stderr)
}

// NewQuiet logs warnings and errors only.
func NewQuiet() *Logger {
	return NewLogger(slog.LevelWarn, os.Stderr)
}

// NewVerbose logs everything, with timestamps.
func NewVerbose() *Logger {
	return New(os.Stderr, Options{Level: slog.LevelDebug, Timestamps: true})
}

// NewDiscard drops everything.
func NewDiscard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return NewDiscard()
	}
	return l
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Since logs msg at debug level with the time elapsed since start.
func (l *Logger) Since(start time.Time, msg string, args ...any) {
	l.Debug(msg, append(args, "elapsed", time.Since(start).Round(time.Millisecond))...)
}

// Fatal logs at error level and exits with status 1.
func (l *Logger) Fatal(msg string, args ...any) {
	l.Error(msg, args...)
	os.Exit(1)
}

func (l *Logger) Fatalf(format string, args ...any) {
	l.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
