package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/mcdev12/syncroom/go/internal/config"
	"github.com/mcdev12/syncroom/go/internal/metrics"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	app := &cli.App{
		Name:    "syncroom-server",
		Usage:   "Synchronized listening room server",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"SYNCROOM_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(cfg.Server.Level())
			return run(c.Context, cfg)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("syncroom server failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()
	collector := metrics.NewPrometheus()

	store, err := setupStorage(ctx, cfg.Storage, clock, collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close object store")
		}
	}()

	services := setupServices(cfg, clock, store, collector)

	// Bring back the rooms of the previous process before accepting clients
	if _, err := services.Backups.RestoreState(ctx); err != nil {
		log.Error().Err(err).Msg("state restore failed, starting empty")
	}

	server := setupServer(cfg.Server, services, collector)

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gatewayDone := make(chan struct{})
	go func() {
		defer close(gatewayDone)
		if err := services.Gateway.Start(serviceCtx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()
	go services.Backups.Run(serviceCtx)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		serverErr <- listen(server)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			cancel()
			<-gatewayDone
			return err
		}
	}

	shutdown(cfg.Server, server, services)
	cancel()
	<-gatewayDone

	log.Info().Msg("syncroom server shutdown complete")
	return nil
}

// shutdown stops accepting requests and persists the final room state while
// rooms are still live.
func shutdown(cfg config.ServerConfig, server *http.Server, services *Services) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	if _, err := services.Backups.BackupState(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final state backup failed")
	}
}
