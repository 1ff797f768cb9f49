// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dhtsol/voicerelay"
	"github.com/dhtsol/voicerelay/control"
	"github.com/dhtsol/voicerelay/pipeline"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := voicerelay.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	lev, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Relay stopped")
	}
}

func run(ctx context.Context, cfg *voicerelay.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctrl := control.NewServer()

	// The speech backend is pluggable. Echo keeps the relay self-contained
	// until a real pipeline is attached.
	sup, err := voicerelay.NewSupervisor(cfg, ctrl, pipeline.Echo{})
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- ctrl.Serve(ctx, cfg.ControlAddr) }()
	go func() { errCh <- sup.Run(ctx) }()

	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errCh:
		cancel()
	}

	// Give the remaining listener a moment to drain, then leave.
	deadline := time.After(2 * time.Second)
	for i := 0; i < cap(errCh)-len(errCh); i++ {
		select {
		case <-errCh:
		case <-deadline:
			return firstErr
		}
	}
	return firstErr
}
