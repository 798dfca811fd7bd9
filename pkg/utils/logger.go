// Package utils holds helpers shared by the ledgersync commands.
package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewSugaredLogger creates a sugared logger named after the running command. Verbose selects a
// development logger at debug level; otherwise a JSON production logger with ISO8601 timestamps
// is returned. fields are attached to every entry as key-value pairs.
func NewSugaredLogger(command string, verbose bool, fields ...any) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		if verbose {
			return nil, fmt.Errorf("failed to create development logger: %w", err)
		}
		return nil, fmt.Errorf("failed to create production logger: %w", err)
	}
	sugar := l.Sugar()
	if command != "" {
		sugar = sugar.Named(command)
	}
	if len(fields) > 0 {
		sugar = sugar.With(fields...)
	}
	return sugar, nil
}
