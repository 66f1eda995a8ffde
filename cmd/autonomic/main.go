// Command autonomic serves controllers and their operations over HTTP and
// drives a running server from the command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/geo-mak/autonomic-playground/cmd/autonomic/commands"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(cliLevel(os.Getenv("LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("autonomic failed")
		os.Exit(1)
	}
}

// cliLevel is the level of the command line log. The server configures its
// own logger from the telemetry section.
func cliLevel(name string) zerolog.Level {
	if lvl, err := zerolog.ParseLevel(name); err == nil && name != "" {
		return lvl
	}
	return zerolog.InfoLevel
}
