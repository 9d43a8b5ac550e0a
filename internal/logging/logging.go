// Package logging builds the process-wide zap logger. Output is JSON with
// RFC3339Nano timestamps so shipped entries stay machine-parseable end to end.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "time",
		LevelKey:    "level",
		NameKey:     "logger",
		MessageKey:  "msg",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

// New creates the root logger writing to stderr at the given level.
// extraCores are teed alongside the console core; the log shipper registers
// its core here.
func New(level zapcore.Level, extraCores ...zapcore.Core) *zap.Logger {
	return NewWithWriter(os.Stderr, level, extraCores...)
}

// NewWithWriter is New with an explicit writer, for tests.
func NewWithWriter(w io.Writer, level zapcore.Level, extraCores ...zapcore.Core) *zap.Logger {
	console := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		level,
	)
	cores := append([]zapcore.Core{console}, extraCores...)
	return zap.New(zapcore.NewTee(cores...))
}

// NewEncoder returns a JSON encoder matching the root logger's field layout.
func NewEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(encoderConfig())
}

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
