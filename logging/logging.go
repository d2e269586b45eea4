// Package logging contains the zap-backed logger used by every rtsound component.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity threshold of a Logger.
type Level int

const (
	// DEBUG log level.
	DEBUG Level = iota - 1
	// INFO log level.
	INFO
	// WARN log level.
	WARN
	// ERROR log level.
	ERROR
)

// DefaultTimeFormatStr is the time format used by console output.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

func (level Level) String() string {
	switch level {
	case DEBUG:
		return "Debug"
	case INFO:
		return "Info"
	case WARN:
		return "Warn"
	case ERROR:
		return "Error"
	}
	panic(fmt.Sprintf("unreachable: %d", level))
}

// AsZap converts the Level to a `zapcore.Level`.
func (level Level) AsZap() zapcore.Level {
	switch level {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	}
	panic(fmt.Sprintf("unreachable: %d", level))
}

// LevelFromString parses a case-insensitive level name.
func LevelFromString(inp string) (Level, error) {
	switch strings.ToLower(inp) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return DEBUG, errors.Errorf("unknown log level: %q", inp)
}

// Logger is the logging interface handed to components. It mirrors the sugared zap API so
// call sites read the same as plain zap.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Sublogger returns a child logger named "<parent>.<subname>" that starts at the
	// parent's level.
	Sublogger(subname string) Logger
	SetLevel(level Level)
	GetLevel() Level
	AsZap() *zap.SugaredLogger
	Sync() error
}

var (
	globalMu     sync.RWMutex
	globalLogger = NewLogger("rtsound")
)

// ReplaceGlobal replaces the global logger.
func ReplaceGlobal(logger Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Global returns the global logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// NewZapEncoderConfig returns the console encoder config used by NewLogger. Stacktraces are
// left out and levels are colored.
func NewZapEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     utcTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(DefaultTimeFormatStr))
}

// NewLogger returns a new logger that outputs Info+ logs to stdout in UTC.
func NewLogger(name string) Logger {
	return newStdoutLogger(name, INFO)
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stdout in UTC.
func NewDebugLogger(name string) Logger {
	return newStdoutLogger(name, DEBUG)
}

// NewLoggerFromCore wraps an arbitrary zap core. The core should accept Debug+ entries,
// filtering is done by the returned logger's level.
func NewLoggerFromCore(name string, level Level, core zapcore.Core) Logger {
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if name != "" {
		base = base.Named(name)
	}
	return &impl{
		name:  name,
		level: zap.NewAtomicLevelAt(level.AsZap()),
		base:  base,
	}
}

func newStdoutLogger(name string, level Level) Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(NewZapEncoderConfig()),
		zapcore.Lock(os.Stdout),
		zapcore.DebugLevel,
	)
	return NewLoggerFromCore(name, level, core)
}

type impl struct {
	name  string
	level zap.AtomicLevel
	base  *zap.Logger
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}
	return &impl{
		name:  newName,
		level: zap.NewAtomicLevelAt(imp.level.Level()),
		base:  imp.base.Named(subname),
	}
}

func (imp *impl) SetLevel(level Level) {
	imp.level.SetLevel(level.AsZap())
}

func (imp *impl) GetLevel() Level {
	switch imp.level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.InfoLevel:
		return INFO
	case zapcore.WarnLevel:
		return WARN
	default:
		return ERROR
	}
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	return imp.base.WithOptions(zap.AddCallerSkip(-1), zap.IncreaseLevel(imp.level)).Sugar()
}

func (imp *impl) Sync() error {
	return imp.base.Sync()
}

func (imp *impl) sugar(level zapcore.Level) *zap.SugaredLogger {
	if !imp.level.Enabled(level) {
		return nil
	}
	return imp.base.Sugar()
}

func (imp *impl) Debug(args ...interface{}) {
	if s := imp.sugar(zapcore.DebugLevel); s != nil {
		s.Debug(args...)
	}
}

func (imp *impl) Debugf(template string, args ...interface{}) {
	if s := imp.sugar(zapcore.DebugLevel); s != nil {
		s.Debugf(template, args...)
	}
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	if s := imp.sugar(zapcore.DebugLevel); s != nil {
		s.Debugw(msg, keysAndValues...)
	}
}

func (imp *impl) Info(args ...interface{}) {
	if s := imp.sugar(zapcore.InfoLevel); s != nil {
		s.Info(args...)
	}
}

func (imp *impl) Infof(template string, args ...interface{}) {
	if s := imp.sugar(zapcore.InfoLevel); s != nil {
		s.Infof(template, args...)
	}
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	if s := imp.sugar(zapcore.InfoLevel); s != nil {
		s.Infow(msg, keysAndValues...)
	}
}

func (imp *impl) Warn(args ...interface{}) {
	if s := imp.sugar(zapcore.WarnLevel); s != nil {
		s.Warn(args...)
	}
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	if s := imp.sugar(zapcore.WarnLevel); s != nil {
		s.Warnf(template, args...)
	}
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	if s := imp.sugar(zapcore.WarnLevel); s != nil {
		s.Warnw(msg, keysAndValues...)
	}
}

func (imp *impl) Error(args ...interface{}) {
	if s := imp.sugar(zapcore.ErrorLevel); s != nil {
		s.Error(args...)
	}
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	if s := imp.sugar(zapcore.ErrorLevel); s != nil {
		s.Errorf(template, args...)
	}
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	if s := imp.sugar(zapcore.ErrorLevel); s != nil {
		s.Errorw(msg, keysAndValues...)
	}
}
