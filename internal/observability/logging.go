package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/keyfront/keyfront/internal/config"
)

// redactedLogKeys are attribute keys whose raw values must never reach a
// log sink. Config secrets are typed RedactedString and mask themselves;
// this covers ad-hoc string attributes carrying the same material.
var redactedLogKeys = map[string]struct{}{
	"token":         {},
	"authorization": {},
	"api_key":       {},
	"password":      {},
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redactedLogKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// NewLogger creates a structured logger using Go's log/slog.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	return slog.New(newLogHandler(os.Stdout, level, format))
}

func newLogHandler(w io.Writer, level config.LogLevel, format config.LogFormat) slog.Handler {
	var lvl slog.Level

	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelInfo, "":
		lvl = slog.LevelInfo
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: redactAttr}

	if format == config.LogFormatText {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
