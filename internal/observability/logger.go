package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects level and output format. MUP_LOG_LEVEL and MUP_LOG_FORMAT
// override the values when set.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// NewLogger builds the process logger for app. Format is "console" (default)
// or "json".
func NewLogger(app string, cfg LogConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	if v := os.Getenv("MUP_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("MUP_LOG_FORMAT"); v != "" {
		cfg.Format = v
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var w io.Writer = out
	if !strings.EqualFold(cfg.Format, "json") {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("app", app).Logger()
}
