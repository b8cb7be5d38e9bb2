// Package logging builds the zap loggers shared by every moderator component.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a root logger. json selects the production encoder; otherwise the
// console encoder is used, which is easier to read during local runs.
func New(level string, json bool) (*zap.Logger, error) {
	var config zap.Config
	if json {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: parse level %q: %w", level, err)
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return logger, nil
}

// Component returns a sugared child logger named after a pipeline component,
// e.g. "queue" or "urlsafety".
func Component(root *zap.Logger, name string) *zap.SugaredLogger {
	if root == nil {
		root = zap.NewNop()
	}
	return root.Named(name).Sugar()
}

// Leveled adapts a sugared logger to retryablehttp.LeveledLogger.
type Leveled struct {
	Inner *zap.SugaredLogger
}

// Error is logged at WARN: the HTTP client reports every failed attempt
// before retrying it.
func (l Leveled) Error(msg string, keysAndValues ...interface{}) {
	l.Inner.Warnw(msg, keysAndValues...)
}

func (l Leveled) Warn(msg string, keysAndValues ...interface{}) {
	l.Inner.Warnw(msg, keysAndValues...)
}

func (l Leveled) Info(msg string, keysAndValues ...interface{}) {
	l.Inner.Infow(msg, keysAndValues...)
}

func (l Leveled) Debug(msg string, keysAndValues ...interface{}) {
	l.Inner.Debugw(msg, keysAndValues...)
}
