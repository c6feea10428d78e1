// Package log builds the process-wide zerolog logger.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger for the given environment. Production logs are
// plain JSON at info level; everything else gets a console writer at debug.
func New(environment string) zerolog.Logger {
	if environment == "" {
		environment = "development"
	}

	var logger zerolog.Logger
	if environment == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		logger = zerolog.New(os.Stdout)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	return logger.With().
		Timestamp().
		Str("service", "subdomain-auth-bridge").
		Str("env", environment).
		Logger()
}
