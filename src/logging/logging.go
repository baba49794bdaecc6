package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process logger. Debug selects zap's development configuration,
// otherwise the production configuration is used. The logger also replaces zap's
// globals.
func New(debug bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error

	if debug {
		z := zap.NewDevelopmentConfig()
		// stdout carries query results in the CLI
		z.OutputPaths = []string{"stderr"}
		logger, err = z.Build()
	} else {
		z := zap.NewProductionConfig()
		z.OutputPaths = []string{"stderr"}
		logger, err = z.Build()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	zap.ReplaceGlobals(logger)

	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
