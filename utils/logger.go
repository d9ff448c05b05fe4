package utils

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	once sync.Once
)

// LogFiles are the sinks the service logger writes to next to stdout/stderr
type LogFiles struct {
	Output string
	Error  string
}

// InitLogger initializes the global logger writing to stdout/stderr and the
// given files. Empty file names log to the console only. Only the first call
// has any effect.
func InitLogger(debug bool, files LogFiles) *zap.Logger {
	once.Do(func() {
		logger, err := buildLogger(debug, files)
		if err != nil {
			panic(err)
		}
		log = logger
	})
	return log
}

func buildLogger(debug bool, files LogFiles) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	if files.Output != "" {
		config.OutputPaths = append(config.OutputPaths, files.Output)
	}
	if files.Error != "" {
		config.ErrorOutputPaths = append(config.ErrorOutputPaths, files.Error)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = "stacktrace"

	return config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

// CleanupLogger flushes any buffered log entries
func CleanupLogger() {
	if log != nil {
		_ = log.Sync()
	}
}
