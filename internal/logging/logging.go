// Package logging provides the component-tagged leveled logger used
// throughout Quaxis: an Infof(component, format, args...) call-site shape
// backed by zap.
package logging

import (
	"fmt"
	"os"

	"github.com/jrick/logrotate/rotator"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.SugaredLogger and tags every call site with a
// component name via an Infof(component, format, args...) signature.
type Logger struct {
	sugar *zap.SugaredLogger
	rot   *rotator.Rotator
}

// Config controls where and how verbosely Logger writes.
type Config struct {
	Level     string // "debug", "info", "warn", "error"
	LogDir    string // empty disables file rotation; stderr only
	MaxRollMB int    // rotator threshold, defaults to 10MB
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a Logger per cfg. File rotation is wired through
// jrick/logrotate.
func New(cfg Config) (*Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	level := parseLevel(cfg.Level)
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}

	var rot *rotator.Rotator
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		maxMB := cfg.MaxRollMB
		if maxMB <= 0 {
			maxMB = 10
		}
		r, err := rotator.New(cfg.LogDir+"/quaxisd.log", int64(maxMB)*1024*1024, false, 8)
		if err != nil {
			return nil, fmt.Errorf("create log rotator: %w", err)
		}
		rot = r
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rot), level))
	}

	core := zapcore.NewTee(cores...)
	base := zap.New(core)

	return &Logger{sugar: base.Sugar(), rot: rot}, nil
}

// Close flushes buffered log output and closes the rotator, if any.
func (l *Logger) Close() error {
	_ = l.sugar.Sync()
	if l.rot != nil {
		return l.rot.Close()
	}
	return nil
}

func (l *Logger) Debugf(component, format string, args ...interface{}) {
	l.sugar.Debugf("["+component+"] "+format, args...)
}

func (l *Logger) Infof(component, format string, args ...interface{}) {
	l.sugar.Infof("["+component+"] "+format, args...)
}

func (l *Logger) Warnf(component, format string, args ...interface{}) {
	l.sugar.Warnf("["+component+"] "+format, args...)
}

func (l *Logger) Errorf(component, format string, args ...interface{}) {
	l.sugar.Errorf("["+component+"] "+format, args...)
}

func (l *Logger) Info(component, msg string)  { l.sugar.Infof("[%s] %s", component, msg) }
func (l *Logger) Warn(component, msg string)  { l.sugar.Warnf("[%s] %s", component, msg) }
func (l *Logger) Error(component, msg string) { l.sugar.Errorf("[%s] %s", component, msg) }
func (l *Logger) Debug(component, msg string) { l.sugar.Debugf("[%s] %s", component, msg) }
