// Package log provides the structured, leveled logger used throughout
// p2ptransport. Every component is handed a *Logger at construction time;
// nothing in the library packages logs through a process-wide global.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors slog.Level but adds Trace below Debug, matching the
// five-level scheme used throughout the connection and ICE state machines.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
	LevelCrit  Level = 12
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Logger is a leveled, structured logger with a set of bound key-value
// attributes. It is safe for concurrent use.
type Logger struct {
	h    *handler
	ctx  []any
	name string
}

// New creates a root logger writing to w. If w is a terminal, output is
// colorized.
func New(w io.Writer, minLevel Level) *Logger {
	return &Logger{h: newHandler(w, minLevel)}
}

// NewDiscard creates a logger that drops everything; useful in tests.
func NewDiscard() *Logger {
	return &Logger{h: newHandler(io.Discard, LevelCrit+1)}
}

// With returns a derived logger with additional bound key-value pairs.
func (l *Logger) With(kv ...any) *Logger {
	nc := make([]any, 0, len(l.ctx)+len(kv))
	nc = append(nc, l.ctx...)
	nc = append(nc, kv...)
	return &Logger{h: l.h, ctx: nc, name: l.name}
}

// Named returns a derived logger tagged with a component name, used by the
// per-name verbosity override (see SetVerbosity/SetModuleVerbosity).
func (l *Logger) Named(name string) *Logger {
	return &Logger{h: l.h, ctx: l.ctx, name: name}
}

func (l *Logger) Trace(msg string, kv ...any) { l.log(LevelTrace, msg, kv) }
func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv) }
func (l *Logger) Crit(msg string, kv ...any)  { l.log(LevelCrit, msg, kv) }

func (l *Logger) log(lvl Level, msg string, kv []any) {
	if lvl < l.h.effectiveLevel(l.name) {
		return
	}
	all := make([]any, 0, len(l.ctx)+len(kv))
	all = append(all, l.ctx...)
	all = append(all, kv...)
	l.h.write(lvl, l.name, msg, all)
}

// handler owns the actual io.Writer and verbosity configuration. It is the
// analogue of go-ethereum's GlogHandler(TerminalHandler): a base level plus
// overrides keyed on the exact logger name (no glob patterns).
type handler struct {
	mu        sync.Mutex
	out       io.Writer
	color     bool
	base      atomic.Int64
	overrides map[string]Level
}

func newHandler(w io.Writer, base Level) *handler {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
		if color {
			w = colorable.NewColorable(f)
		}
	}
	h := &handler{out: w, color: color, overrides: map[string]Level{}}
	h.base.Store(int64(base))
	return h
}

// SetVerbosity changes the base level for all loggers sharing this handler.
func (l *Logger) SetVerbosity(lvl Level) { l.h.base.Store(int64(lvl)) }

// SetModuleVerbosity overrides the level for a specific component name
// (as set via Named). Like go-ethereum's vmodule but keyed on component
// name rather than source file; name is matched exactly, not as a glob.
func (l *Logger) SetModuleVerbosity(name string, lvl Level) {
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	l.h.overrides[name] = lvl
}

func (h *handler) effectiveLevel(name string) Level {
	h.mu.Lock()
	lvl, ok := h.overrides[name]
	h.mu.Unlock()
	if ok {
		return lvl
	}
	return Level(h.base.Load())
}

var levelColor = map[Level]string{
	LevelTrace: "\x1b[37m",
	LevelDebug: "\x1b[36m",
	LevelInfo:  "\x1b[32m",
	LevelWarn:  "\x1b[33m",
	LevelError: "\x1b[31m",
	LevelCrit:  "\x1b[35m",
}

const resetColor = "\x1b[0m"

func (h *handler) write(lvl Level, name, msg string, kv []any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts := time.Now().Format("01-02|15:04:05.000")
	var prefix string
	if h.color {
		prefix = fmt.Sprintf("%s%-5s%s[%s] ", levelColor[lvl], lvl.String(), resetColor, ts)
	} else {
		prefix = fmt.Sprintf("%-5s[%s] ", lvl.String(), ts)
	}
	if name != "" {
		msg = name + ": " + msg
	}
	fmt.Fprint(h.out, prefix, msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(h.out, " %v=%v", kv[i], kv[i+1])
	}
	fmt.Fprintln(h.out)
}

// slogAdapter lets code that must satisfy the stdlib slog.Handler interface
// (e.g. library shims expecting *slog.Logger) bridge into our handler.
type slogAdapter struct {
	l *Logger
}

// AsSlog wraps Logger in a *slog.Logger for third-party code that only
// accepts the stdlib interface.
func (l *Logger) AsSlog() *slog.Logger {
	return slog.New(&slogHandler{l: l})
}

type slogHandler struct{ l *Logger }

func (h *slogHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return Level(lvl) >= h.l.h.effectiveLevel(h.l.name)
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	kv := make([]any, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		kv = append(kv, a.Key, a.Value.Any())
		return true
	})
	h.l.log(Level(r.Level), r.Message, kv)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	kv := make([]any, 0, len(attrs)*2)
	for _, a := range attrs {
		kv = append(kv, a.Key, a.Value.Any())
	}
	return &slogHandler{l: h.l.With(kv...)}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	return &slogHandler{l: h.l.Named(filepath.Join(h.l.name, name))}
}

// Root is a process-wide default logger for use by cmd/p2pdiag only;
// library packages never reference it directly.
var Root = New(os.Stderr, LevelInfo)
