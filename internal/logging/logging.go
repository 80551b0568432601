// Package logging provides the process-wide structured logger for Spark.
// Logs are written as JSON lines to <state>/logs/sparkd.log plus stderr when
// debug mode is enabled. Subsystems obtain named child loggers so every line
// carries its origin.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger = zap.NewNop()
)

// Initialize configures the global logger. stateDir may be empty, in which
// case logs go to stderr only. Safe to call more than once; the last call
// wins.
func Initialize(stateDir string, debug bool) error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	outputs := []string{"stderr"}
	if stateDir != "" {
		logsDir := filepath.Join(stateDir, "logs")
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		outputs = []string{filepath.Join(logsDir, "sparkd.log")}
		if debug {
			outputs = append(outputs, "stderr")
		}
	}
	cfg.OutputPaths = outputs
	cfg.ErrorOutputPaths = outputs

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	if logger != nil {
		_ = logger.Sync()
	}
	logger = l
	mu.Unlock()
	return nil
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Named returns a child logger for a subsystem (queue, bridge, advisor, ...).
func Named(subsystem string) *zap.Logger {
	return L().Named(subsystem)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.Sync()
}
