// Package log provides structured logging for mklibs using zap, in the
// style of galago's internal/log: a thin wrapper adding domain-specific
// helpers and a global instance set up once at process start.
package log

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mklibs-go/mklibs/internal/event"
)

// Logger wraps zap.Logger with mklibs-specific helpers.
type Logger struct {
	*zap.Logger
	runID string
}

var (
	// L is the global logger instance, set by Init.
	L    *Logger
	once sync.Once
)

// Verbosity maps the repeatable -v flag (0, 1, or 2, per spec.md's
// "up to two levels") to a zap level: 0 is warn-and-above, 1 is info,
// 2 is debug (the old DEBUG_SPAM level of the original tool).
type Verbosity int

// Init initializes the global logger for the given verbosity. Safe to
// call multiple times; only the first call takes effect, matching the
// teacher's sync.Once guard.
func Init(v Verbosity) {
	once.Do(func() {
		L = New(v)
	})
}

// New creates a Logger at the given verbosity, tagged with a fresh
// run_id so concurrent invocations' interleaved output (however
// unlikely, given spec.md §5's no-locking policy) stay distinguishable.
func New(v Verbosity) *Logger {
	var cfg zap.Config
	if v > 0 {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	switch {
	case v >= 2:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case v == 1:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	runID := uuid.NewString()
	return &Logger{
		Logger: logger.With(zap.String("run_id", runID)),
		runID:  runID,
	}
}

// NewNop creates a no-op logger, for tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), runID: "nop"}
}

// RunID returns this logger's run correlation id.
func (l *Logger) RunID() string { return l.runID }

// Notify implements event.Sink, bridging closure-engine events into
// structured log lines.
func (l *Logger) Notify(e event.Event) {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.Int("pass", e.Pass),
	}
	if e.Subject != "" {
		fields = append(fields, zap.String("subject", e.Subject))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	switch e.Kind {
	case event.Warning:
		l.Warn("event", fields...)
	case event.DuplicateSymbol:
		l.Debug("event", fields...) // spam verbosity, per spec.md §7
	default:
		l.Info("event", fields...)
	}
}

// Fatal error kinds log at error level with the taxonomy name so
// `grep` over logs can isolate a failure class, then the caller still
// returns the error for cmd/mklibs to turn into an exit code.
func (l *Logger) Fatal(kind string, err error) {
	l.Error("fatal", zap.String("kind", kind), zap.Error(err))
}
