// Package daemon owns the process lifecycle: single-instance guard, signal
// handling, and ordered shutdown of the control server, recording engine and
// store.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stenoproject/stenod/internal/config"
	"github.com/stenoproject/stenod/internal/engine"
	"github.com/stenoproject/stenod/internal/log"
	"github.com/stenoproject/stenod/internal/server"
	"github.com/stenoproject/stenod/internal/store"
)

// shutdownTimeout bounds the drain of an active recording during shutdown.
const shutdownTimeout = 15 * time.Second

// App wires the long-lived subsystems and supervises them until a signal or a
// fatal error arrives.
type App struct {
	cfg    config.Options
	engine *engine.Engine
	server *server.Server
	repo   store.Repository
	logger zerolog.Logger
}

// NewApp builds the daemon supervisor.
func NewApp(cfg config.Options, eng *engine.Engine, srv *server.Server, repo store.Repository) *App {
	return &App{
		cfg:    cfg,
		engine: eng,
		server: srv,
		repo:   repo,
		logger: log.WithComponent("daemon"),
	}
}

// Run blocks until SIGINT, SIGTERM or a fatal server error. An in-flight
// recording is stopped and its session completed before the process exits.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pid, err := AcquirePidFile(a.cfg.PidPath)
	if err != nil {
		return err
	}
	defer pid.Release()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(ctx)
	})

	a.logger.Info().
		Str(log.FieldPath, a.cfg.SocketPath).
		Msg("daemon started")

	runErr := g.Wait()

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.engine.Stop(shutCtx); err != nil {
		a.logger.Error().Err(err).Msg("engine stop during shutdown failed")
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Error().Err(err).Msg("store close failed")
	}

	a.logger.Info().Msg("daemon stopped")
	return runErr
}
