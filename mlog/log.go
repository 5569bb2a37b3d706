// Package mlog provides logging on top of log/slog with per-package log levels
// and additional levels for protocol transcripts.
//
// Each Log has a "pkg" attribute. The log level is looked up for that package,
// falling back to the level for the empty package name. The configuration is
// process-global, set with SetConfig.
//
// Levels trace, traceauth and tracedata are below debug. Trace logs protocol
// transcripts. Traceauth and tracedata are used for protocol lines with
// credentials and message data. When only trace is enabled, those lines are
// logged with their contents replaced by "***" and "..." respectively.
//
// Log strings should be constant, variable data goes into attributes.
//
// Functions ending in "x" take an error as second parameter, which is logged
// as attribute "err" when non-nil.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enables logfmt output. Otherwise a more human-readable format is used.
var Logfmt bool

const (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configured log level.
	LevelPrint     = slog.LevelError + 8 // Printed regardless of configured log level.
)

// Levels map the names used in configuration files to levels.
var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"warn":      LevelWarn,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings is the reverse of Levels.
var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelWarn:      "warn",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

// Holds a map[string]slog.Level, mapping a package (attribute pkg in logs) to a
// log level. The empty string is the default/fallback log level.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	config.Store(&map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

// Config returns the current per-package log levels.
func Config() map[string]slog.Level {
	return *config.Load()
}

// Output is where all log lines are written. Each line is written with a single
// Write call. Tests can replace it.
var Output io.Writer = os.Stderr

var outputMutex sync.Mutex

// Log wraps a slog.Logger, adding convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a new
// Logger is created with a handler that applies the per-package log levels.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithPkg returns a new Log with the "pkg" attribute set.
func (l Log) WithPkg(pkg string) Log {
	return l.With(slog.String("pkg", pkg))
}

// WithCid returns a new Log with a "cid" attribute, typically identifying a
// single connection or command invocation.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// With is like slog.Logger.With, returning a Log.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// WithFunc returns a new Log that calls fn before each line is logged,
// adding the returned attributes. Only effective for loggers created by this
// package.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	h, ok := l.Handler().(*handler)
	if !ok {
		return l
	}
	nh := *h
	nh.Fn = fn
	return Log{slog.New(&nh)}
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttrs(err error, attrs []slog.Attr) []slog.Attr {
	if err == nil {
		return attrs
	}
	return append([]slog.Attr{slog.String("err", err.Error())}, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, errAttrs(err, attrs)...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, errAttrs(err, attrs)...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, errAttrs(err, attrs)...)
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, errAttrs(err, attrs)...)
}

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelFatal, msg, errAttrs(err, attrs)...)
	os.Exit(1)
}

// Trace logs a protocol transcript line at level (trace, traceauth or
// tracedata), with prefix (e.g. "LC: " for "local client") and the data.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if !l.Enabled(noctx, level) {
		return
	}
	l.Logger.LogAttrs(noctx, level, "", slog.String("prefix", prefix), slog.String("data", string(data)))
}

type handler struct {
	Pkg   string
	Attrs []slog.Attr
	Group string // With trailing dot when non-empty.
	Fn    func() []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) level() slog.Level {
	c := *config.Load()
	if h.Pkg != "" {
		if l, ok := c[h.Pkg]; ok {
			return l
		}
	}
	if l, ok := c[""]; ok {
		return l
	}
	return LevelError
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	configLevel := h.level()
	if level == LevelTraceauth || level == LevelTracedata {
		// Logged with contents hidden when trace is enabled.
		return configLevel <= LevelTrace
	}
	return level >= configLevel
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.Attrs = append([]slog.Attr{}, h.Attrs...)
	for _, a := range attrs {
		if h.Group == "" && a.Key == "pkg" {
			nh.Pkg = a.Value.String()
			continue
		}
		a.Key = h.Group + a.Key
		nh.Attrs = append(nh.Attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.Group = h.Group + name + "."
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level
	msg := r.Message
	var attrs []slog.Attr
	var prefix, data string
	isTrace := level <= LevelTrace
	r.Attrs(func(a slog.Attr) bool {
		if isTrace && h.Group == "" && a.Key == "prefix" {
			prefix = a.Value.String()
		} else if isTrace && h.Group == "" && a.Key == "data" {
			data = a.Value.String()
		} else {
			a.Key = h.Group + a.Key
			attrs = append(attrs, a)
		}
		return true
	})
	if isTrace {
		configLevel := h.level()
		if level == LevelTraceauth && configLevel > LevelTraceauth {
			data = "***"
		} else if level == LevelTracedata && configLevel > LevelTracedata {
			data = "..."
		}
		msg = prefix + strings.TrimRight(data, "\r\n")
		level = LevelTrace
	}

	all := make([]slog.Attr, 0, 1+len(h.Attrs)+len(attrs))
	if h.Pkg != "" {
		all = append(all, slog.String("pkg", h.Pkg))
	}
	all = append(all, h.Attrs...)
	all = append(all, attrs...)
	if h.Fn != nil {
		all = append(all, h.Fn()...)
	}

	// Build up the full line so it is written with a single write, preventing
	// interleaved lines.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", LevelStrings[level], logfmtValue(msg))
		for _, a := range all {
			writeAttr(b, "", a, func(k, v string) { fmt.Fprintf(b, " %s=%s", k, logfmtValue(v)) })
		}
	} else {
		fmt.Fprintf(b, "%s: %s", LevelStrings[level], logfmtValue(msg))
		n := 0
		for _, a := range all {
			writeAttr(b, "", a, func(k, v string) {
				if n == 0 {
					b.WriteString(" (")
				} else {
					b.WriteString("; ")
				}
				n++
				fmt.Fprintf(b, "%s: %s", k, logfmtValue(v))
			})
		}
		if n > 0 {
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	outputMutex.Lock()
	defer outputMutex.Unlock()
	_, err := Output.Write(b.Bytes())
	return err
}

func writeAttr(b *bytes.Buffer, prefix string, a slog.Attr, fn func(k, v string)) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			writeAttr(b, prefix+a.Key+".", ga, fn)
		}
		return
	}
	fn(prefix+a.Key, stringValue(a.Key, v))
}

func stringValue(key string, v slog.Value) string {
	switch v.Kind() {
	case slog.KindInt64:
		if key == "cid" {
			return fmt.Sprintf("%x", v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindDuration:
		return v.Duration().Round(time.Microsecond).String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case []string:
			return "[" + strings.Join(x, ",") + "]"
		case error:
			return x.Error()
		case fmt.Stringer:
			return x.String()
		}
	}
	return v.String()
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
