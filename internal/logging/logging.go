// Package logging builds the engine's structured logger: zap for
// structured fields, with an optional lumberjack-backed rotating file
// sink for long-running snapshot processes. This mirrors the teacher's
// own transitive logging stack (zap pulled in via go.mysql-org/go-mysql,
// lumberjack alongside it) promoted to direct, intentional use.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger. LogFile is optional; when empty, logs
// go to stderr only.
type Options struct {
	Debug   bool
	LogFile string
}

// New builds a zap.Logger for the engine, not a process-wide global,
// so callers pass it explicitly through constructors per spec.md §9's
// guidance against global mutable state.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}

	if opts.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
