// Package testlog routes component logs into the test output.
package testlog

import (
	"testing"

	"github.com/rs/zerolog"
)

// Start returns a debug-level logger that writes through t and tags every
// line with the test name.
func Start(t testing.TB) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Str("test", t.Name()).
		Logger()
}
