package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/m-mizutani/clog"
)

var levelVar = new(slog.LevelVar)

var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Configure replaces the global logger. Format "console" renders colored
// human-readable lines; anything else keeps JSON output. Both follow later
// SetLevel calls.
// Must be called before goroutines start logging.
func Configure(level, format string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	SetLevel(level)

	switch strings.ToLower(format) {
	case "console":
		L = slog.New(clog.New(
			clog.WithWriter(w),
			clog.WithLevel(levelVar),
			clog.WithTimeFmt("15:04:05"),
			clog.WithSource(false),
			clog.WithAttrHook(clog.GoerrHook),
		))
	default:
		L = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar}))
	}
}
