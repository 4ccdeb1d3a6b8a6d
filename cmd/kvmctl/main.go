package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/walteh/kvmctl/cmd/kvmctl/commands"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := commands.RootCmd().ExecuteContext(logger.WithContext(ctx)); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		cancel()
		os.Exit(1)
	}
}
