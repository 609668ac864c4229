// Package logging builds the process logger from the configured verbosity.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MaxVerbose is the most detailed verbosity.
const MaxVerbose = 4

// Level maps a verbosity 0..4 to a zap level. Out-of-range values only let
// fatal messages through.
func Level(verbose int) zapcore.Level {
	switch verbose {
	case 1:
		return zapcore.ErrorLevel
	case 2:
		return zapcore.WarnLevel
	case 3:
		return zapcore.InfoLevel
	case 4:
		return zapcore.DebugLevel
	default:
		return zapcore.FatalLevel
	}
}

// New builds a JSON production logger, or a console development logger when
// debug is set.
func New(verbose int, debug bool) (*zap.Logger, error) {
	if verbose < 0 || verbose > MaxVerbose {
		return nil, fmt.Errorf("verbose must be between 0 and %d, got %d", MaxVerbose, verbose)
	}
	config := zap.NewProductionConfig()
	if debug {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(Level(verbose))
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
