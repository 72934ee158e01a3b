// Package logger configures the process-wide slog logger.
//
// Output formats:
//   - "color": colored text for terminals
//   - "simple": plain "LEVEL message key=value" text
//   - "json": structured JSON
//
// At levels above debug, records emitted by third-party libraries are
// suppressed so operational output stays focused on this module.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
)

const modulePath = "github.com/maestroproj/maestro"

var (
	initOnce      sync.Once
	defaultLogger *slog.Logger
)

// Config controls logger initialization.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // color, simple, json
	Output io.Writer
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to
// warn so a typo in configuration never silences errors.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("unknown log level %q", s)
	}
}

// filteringHandler drops records from outside the module unless the
// configured level is debug. The caller is identified via the record PC.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel > slog.LevelDebug && record.PC != 0 {
		fn := runtime.FuncForPC(record.PC)
		if fn != nil && !strings.Contains(fn.Name(), modulePath) {
			return nil
		}
	}
	return h.handler.Handle(ctx, record)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m" // red
	case level >= slog.LevelWarn:
		return "\033[33m" // yellow
	case level >= slog.LevelInfo:
		return "\033[36m" // cyan
	default:
		return "\033[90m" // gray
	}
}

// textHandler renders "LEVEL message key=value ...", optionally with the
// level colored when writing to a terminal.
type textHandler struct {
	minLevel slog.Level
	writer   io.Writer
	useColor bool
	attrs    []slog.Attr
	mu       *sync.Mutex
}

func newTextHandler(w io.Writer, level slog.Level, useColor bool) *textHandler {
	return &textHandler{minLevel: level, writer: w, useColor: useColor, mu: &sync.Mutex{}}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	levelName := record.Level.String()
	if record.Level == slog.LevelWarn {
		levelName = "WARN"
	}
	if h.useColor {
		b.WriteString(record.Time.Format("15:04:05"))
		b.WriteByte(' ')
		b.WriteString(levelColor(record.Level))
		b.WriteString(levelName)
		b.WriteString("\033[0m")
	} else {
		b.WriteString(levelName)
	}
	b.WriteByte(' ')
	b.WriteString(record.Message)
	writeAttr := func(a slog.Attr) {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(fmt.Sprintf("%v", a.Value.Any()))
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *textHandler) WithGroup(string) slog.Handler { return h }

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Init installs the process-wide default logger.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var base slog.Handler
	switch cfg.Format {
	case "json":
		base = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	case "color":
		base = newTextHandler(out, level, isTerminal(out))
	default:
		base = newTextHandler(out, level, false)
	}

	defaultLogger = slog.New(&filteringHandler{handler: base, minLevel: level})
	slog.SetDefault(defaultLogger)
	return nil
}

// OpenLogFile opens path for appending and returns the file with a cleanup
// function. Pass the file as Config.Output to log to disk.
func OpenLogFile(path string) (*os.File, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// Get returns the configured logger, initializing a sensible default on
// first use.
func Get() *slog.Logger {
	initOnce.Do(func() {
		if defaultLogger == nil {
			_ = Init(Config{Level: "info", Format: "simple"})
		}
	})
	return defaultLogger
}
