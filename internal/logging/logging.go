// Package logging configures the process-wide slog default handler.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the log destination and verbosity.
type Options struct {
	File    string // when set, JSON logs go to this rotating file
	Verbose bool   // debug level instead of info
}

// Setup installs the default slog handler. With a file configured, logs are
// written as JSON to a size-capped rotating file (the long-lived sidecar
// would otherwise grow its log without bound); without one, human-readable
// text goes to stderr.
func Setup(opts Options) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.File != "" {
		var w io.Writer = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	slog.SetDefault(slog.New(handler))
}
