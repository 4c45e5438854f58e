package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. format "console" gives human-readable
// output; anything else writes one JSON object per line.
func New(level, format string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "planboard").Logger()
}
