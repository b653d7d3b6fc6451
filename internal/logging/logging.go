// Package logging builds the process-wide structured logger: console output
// always, optionally teed to a rotating file when a log file path is
// configured.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 200
	maxAgeDays = 30
	maxBackups = 7
)

// New builds a *zap.SugaredLogger at level, writing to stderr and, when
// logFile is non-empty, additionally to a lumberjack-rotated file at that
// path.
func New(level zapcore.Level, logFile string) *zap.SugaredLogger {
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig())
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level)

	if logFile == "" {
		return zap.New(consoleCore, zap.AddCaller()).Sugar()
	}

	fileEncoder := zapcore.NewJSONEncoder(fileEncoderConfig())
	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
	})
	fileCore := zapcore.NewCore(fileEncoder, fileWriter, level)

	core := zapcore.NewTee(fileCore, consoleCore)
	return zap.New(core, zap.AddCaller()).Sugar()
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.TimeKey = "time"
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return cfg
}
