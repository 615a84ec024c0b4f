// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package process

import (
	"flag"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logLevel    = zap.LevelFlag("log.level", zapcore.InfoLevel, "the minimum log level to log")
	logDev      = flag.Bool("log.development", false, "if true, set logging to development mode")
	logCaller   = flag.Bool("log.caller", false, "if true, log function filename and line number")
	logStack    = flag.Bool("log.stack", false, "if true, log stack traces")
	logEncoding = flag.String("log.encoding", "json", "configures log encoding. can either be 'console' or 'json'")
	logOutput   = flag.String("log.output", "stderr", "can be stdout, stderr, or a filename")
)

// NewLogger creates a new logger configured by the process flags.
func NewLogger() (*zap.Logger, error) {
	return NewLoggerWithOutputPaths(*logOutput)
}

// NewLoggerWithOutputPaths is the same as NewLogger, but overrides the log
// output paths.
func NewLoggerWithOutputPaths(outputPaths ...string) (*zap.Logger, error) {
	return zap.Config{
		Level:             zap.NewAtomicLevelAt(*logLevel),
		Development:       *logDev,
		DisableCaller:     !*logCaller,
		DisableStacktrace: !*logStack,
		Encoding:          *logEncoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputPaths,
		ErrorOutputPaths: outputPaths,
	}.Build()
}
