// Package logging sets up the global logger of the binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger.
// format is "console" for human readable lines or "json".
func Setup(level, format string) error {
	lv, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var out io.Writer = os.Stderr
	switch strings.ToLower(format) {
	case "console", "":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	case "json":
	default:
		return fmt.Errorf("unknown log format: %v", format)
	}
	zerolog.SetGlobalLevel(lv)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}
