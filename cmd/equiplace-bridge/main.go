// Package main implements the equiplace authoring bridge. It serves the simulated
// authoring engine over JSON-over-stdio until stdin closes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/authoring/bridge"
	"github.com/equiplace/equiplace/pkg/authoring/sim"
)

func main() {
	// stdout carries the protocol, so logs go to stderr.
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Str("service", "equiplace-bridge").
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := bridge.NewServer(sim.New(logger), "sim", os.Stdin, os.Stdout, logger)
	if err := server.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("Bridge stopped")
		os.Exit(1)
	}
}
