package main

import (
	"io"
	"time"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/rupa/seamstress/config"
)

// newLogger installs the zerolog backend as the xlog default, so producers
// built from the registry log through it too.
func newLogger(cfg config.Config, w io.Writer) *xlog.Logger {
	level := xlog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = xlog.LevelDebug
	case "warn":
		level = xlog.LevelWarn
	case "error":
		level = xlog.LevelError
	}
	if cfg.Quiet {
		level = xlog.LevelError
	}
	return zerolog.Use(zerolog.Config{
		MinLevel:          level,
		Console:           !cfg.JSONLogs,
		ConsoleTimeFormat: time.TimeOnly,
		Writer:            w,
	}).With(xlog.Str("app", "seamstress"))
}
