package main

import (
	"os"

	"github.com/rs/zerolog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Error().Err(err).Msg("request")
		os.Exit(1)
	}
}
