// Package hsxlog is a thin log/slog wrapper that attaches
// component/pid/seq fields to every record, generalizing the
// habit of prefixing diagnostic output with the subsystem name
// ("vm: %s", "tty: waiting for console..." in vm/tty.go /
// vm/devices.go) into structured fields instead of Printf-built
// strings. No logging library appears
// anywhere in the retrieval pack, so log/slog is the stdlib answer to
// the same need rather than an invented dependency.
package hsxlog

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps a *slog.Logger pre-bound to a component name.
type Logger struct {
	base *slog.Logger
}

// New creates a Logger writing text-handler records to w, tagged with
// component. Pass os.Stderr for the default CLI/serve behaviour.
func New(w io.Writer, component string) *Logger {
	h := slog.NewTextHandler(w, nil)
	return &Logger{base: slog.New(h).With("component", component)}
}

// Default is the package-level logger used when a caller has not
// constructed its own, mirroring main.go's unconditional
// fmt.Printf habit with a sane fallback destination.
var Default = New(os.Stderr, "hsx")

// WithPID returns a derived Logger with a pid field baked in, for
// per-task diagnostics (fault records, SVC errors).
func (l *Logger) WithPID(pid int32) *Logger {
	return &Logger{base: l.base.With("pid", pid)}
}

// WithSeq returns a derived Logger with a seq field baked in, for
// per-subscription event stream diagnostics.
func (l *Logger) WithSeq(seq uint64) *Logger {
	return &Logger{base: l.base.With("seq", seq)}
}

func (l *Logger) Debug(msg string, args ...any) { l.base.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.base.Error(msg, args...) }
