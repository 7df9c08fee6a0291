package runtime

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultLogger logs at info level to stderr.
func DefaultLogger() *slog.Logger {
	return NewLogger(os.Stderr, "info")
}

// NewLogger returns a slog logger backed by a charm log handler. Unknown
// levels fall back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	lvl := log.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = log.DebugLevel
	case "warn", "warning":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	}
	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "inboxstat",
	})
	return slog.New(handler)
}
