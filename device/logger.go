/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"go.uber.org/zap"
)

// LogLevel selects which of a Logger's two call sites actually emit.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelVerbose
)

// Logger is the same Verbosef/Errorf shape every call site in this package
// uses, backed by a zap.SugaredLogger instead of hand-rolled formatting.
type Logger struct {
	Verbosef func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

// NewLogger builds a Logger around zap, tagged with tag (conventionally
// the device's interface name) on every line.
func NewLogger(level LogLevel, tag string) *Logger {
	var cfg zap.Config
	if level == LogLevelVerbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.DisableStacktrace = true
	zl, err := cfg.Build()
	if err != nil {
		zl = zap.NewNop()
	}
	sugar := zl.Sugar().With("iface", tag)

	logger := &Logger{
		Verbosef: func(string, ...any) {},
		Errorf: func(format string, args ...any) {
			sugar.Errorf(format, args...)
		},
	}
	if level >= LogLevelVerbose {
		logger.Verbosef = func(format string, args ...any) {
			sugar.Debugf(format, args...)
		}
	}
	if level == LogLevelSilent {
		logger.Errorf = func(string, ...any) {}
	}
	return logger
}
