package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*zap.SugaredLogger
}

// NewLogger returns a production logger writing to stderr at info level.
// Used during startup before configuration has been loaded.
func NewLogger() *Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return &Logger{logger.Sugar()}
}

// NewLoggerWith builds a logger honoring LOG_LEVEL and LOG_FILE. An empty
// file keeps stderr as the only destination; an unknown level falls back
// to info.
func NewLoggerWith(level, file string) *Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	cfg.OutputPaths = []string{"stderr"}
	if file != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, file)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return &Logger{logger.Sugar()}
}
