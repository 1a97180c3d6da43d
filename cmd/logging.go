package cmd

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// logLevel maps the -v count to a slog level.
func logLevel(verbose int) slog.Level {
	if verbose > 0 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// newLogger returns a tint logger writing to w. Colors are only used when w
// is a terminal.
func newLogger(w io.Writer, verbose int) *slog.Logger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      logLevel(verbose),
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	}))
}
