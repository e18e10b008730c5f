// File: cmd/hioload-uring/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion-based responder on 127.0.0.1:8000.
// SIGINT/SIGTERM stop the loop and exit 0 after logging final metrics.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/momentics/hioload-uring/internal/logging"
	"github.com/momentics/hioload-uring/server"
)

func main() {
	log := logging.New(os.Stderr)

	srv, err := server.New(server.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if err := srv.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	runErr := srv.Run()
	snap := srv.Metrics().Snapshot()
	if err := srv.Close(); err != nil {
		log.Warn().Err(err).Msg("close")
	}
	if runErr != nil {
		log.Fatal().Err(runErr).Object("metrics", snap).Msg("event loop failed")
	}
}
