// Package log builds the structured logger shared by the History
// Recorder and the Service, following the zap production-config
// construction used for CLI output elsewhere in this pack.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger. verbose lowers the level to debug;
// callers own the returned logger's lifecycle and must Sync() it before
// exit.
func New(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
