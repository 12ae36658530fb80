package main

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// setSlog installs the default logger: a colorized tint handler when stderr
// is a terminal (unless NO_COLOR is set), a plain text handler otherwise.
func setSlog(level slog.Level) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		_, noColor := os.LookupEnv("NO_COLOR")
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:   level,
			NoColor: noColor,
		})))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
