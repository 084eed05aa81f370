package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/cmd/rdmalink/commands"
	"github.com/piwi3910/rdmalink/internal/metrics"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	metrics.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.NewRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("rdmalink failed")
		os.Exit(1)
	}
}
