// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig tunes process-wide logging.
type LogConfig struct {
	Level       string `help:"minimum log level (debug, info, warn, error)" default:"info"`
	Development bool   `help:"use human-friendly development output" default:"false"`
}

// NewLogger creates the process logger.
func NewLogger(config LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, Error.Wrap(err)
	}

	cfg := zap.NewProductionConfig()
	if config.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
