// Package logging configures structured JSON logging for both
// binaries, carrying job_id/stage context the way the original
// system's JsonFormatter did.
package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger that writes newline-delimited JSON to stdout
// with UTC timestamps, at the given level ("debug", "info", "warn",
// "error").
func New(level string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		zapcore.ISO8601TimeEncoder(t.UTC(), enc)
	}
	encoderCfg.LevelKey = "level"
	encoderCfg.MessageKey = "message"
	encoderCfg.NameKey = "logger"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		lvl,
	)
	return zap.New(core)
}

// ForJob returns a child logger scoped to a job/stage pair, mirroring
// the original formatter's job_id/stage extra fields.
func ForJob(base *zap.Logger, jobID, stage string) *zap.Logger {
	return base.With(zap.String("job_id", jobID), zap.String("stage", stage))
}
