// Package log owns the process-wide zerolog logger. Every subsystem logs
// through a component child obtained from WithComponent.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for the process logger.
type Config struct {
	Level   string    // "debug", "info", ... falls back to HDHUB_LOG_LEVEL, then info
	Output  io.Writer // defaults to os.Stdout
	Service string    // service field on every entry, defaults to "hdhub"
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the process logger. The first call wins; later
// calls, including the implicit one from WithComponent, are no-ops.
func Configure(cfg Config) {
	once.Do(func() {
		zerolog.SetGlobalLevel(parseLevel(cfg.Level))
		zerolog.TimeFieldFormat = time.RFC3339

		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		service := cfg.Service
		if service == "" {
			service = "hdhub"
		}

		base = zerolog.New(out).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

func parseLevel(s string) zerolog.Level {
	if s == "" {
		s = os.Getenv("HDHUB_LOG_LEVEL")
	}
	if s != "" {
		if lvl, err := zerolog.ParseLevel(s); err == nil {
			return lvl
		}
	}
	return zerolog.InfoLevel
}

// WithComponent returns a child logger carrying the component field the
// subsystems log under.
func WithComponent(component string) zerolog.Logger {
	Configure(Config{})
	return base.With().Str("component", component).Logger()
}
