// Package diagnostics provides the structured, rotating-file logger used
// inside the long-running Node/Client processes, where the control channel
// and forwarding engine care about structured fields (proxy_id, client_id,
// request_id) more than the colored terminal output pkg/log gives a human
// operator.
package diagnostics

import (
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger whose core also feeds a LogCollector ring
// buffer, so recent entries can be replayed over the control channel
// without re-parsing the log file.
type Logger struct {
	zap       *zap.Logger
	collector *LogCollector
}

// Options configures New.
type Options struct {
	// FilePath rotates through lumberjack; empty disables file output.
	FilePath string
	// Verbose enables debug-level output; otherwise info and above.
	Verbose bool
	// CollectorSize bounds the in-memory ring buffer backing FetchLogs.
	CollectorSize int
}

// New builds a Logger. With no FilePath, log lines still reach the
// in-memory collector so FetchLogs keeps working in foreground/test runs.
func New(opts Options) *Logger {
	if opts.CollectorSize <= 0 {
		opts.CollectorSize = 1000
	}
	collector := NewLogCollector(opts.CollectorSize)

	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	var fileCore zapcore.Core
	if opts.FilePath != "" {
		hook := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		fileCore = zapcore.NewCore(encoder, zapcore.AddSync(hook), level)
	}

	core := &collectorCore{inner: fileCore, level: level, collector: collector, enc: encoder}

	return &Logger{
		zap:       zap.New(core, zap.AddCaller()),
		collector: collector,
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// Zap returns the underlying structured logger for callers that want typed
// fields (e.g. zap.Int64("proxy_id", id)).
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Collector returns the ring buffer backing FetchLogs.
func (l *Logger) Collector() *LogCollector { return l.collector }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }

// collectorCore always appends entries to a LogCollector ring buffer and,
// when inner is non-nil (a file sink was configured), forwards them there
// too. It never delegates Enabled to inner, so the collector keeps working
// even when no log file is configured (foreground/test runs).
type collectorCore struct {
	inner     zapcore.Core // nil disables file output
	level     zapcore.LevelEnabler
	collector *LogCollector
	enc       zapcore.Encoder
}

func (c *collectorCore) Enabled(lvl zapcore.Level) bool {
	return c.level.Enabled(lvl)
}

func (c *collectorCore) With(fields []zapcore.Field) zapcore.Core {
	inner := c.inner
	if inner != nil {
		inner = inner.With(fields)
	}
	return &collectorCore{inner: inner, level: c.level, collector: c.collector, enc: c.enc}
}

func (c *collectorCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *collectorCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	msg := ent.Message
	if err == nil {
		msg = buf.String()
		buf.Free()
	}

	c.collector.Add(Entry{
		TimeUnixMilli: ent.Time.UnixMilli(),
		Level:         ent.Level.String(),
		Message:       msg,
	})

	if c.inner != nil {
		return c.inner.Write(ent, fields)
	}
	return nil
}

func (c *collectorCore) Sync() error {
	if c.inner != nil {
		return c.inner.Sync()
	}
	return nil
}
