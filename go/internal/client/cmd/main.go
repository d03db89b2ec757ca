package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/mcdev12/syncroom/go/internal/client"
	"github.com/mcdev12/syncroom/go/internal/clocksync"
	"github.com/mcdev12/syncroom/go/internal/reconnect"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := App().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// App creates the CLI application.
func App() *cli.App {
	defaults := client.DefaultConfig()

	return &cli.App{
		Name:    "syncroom-client",
		Usage:   "Join a listening room and follow its playback schedule",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Room server websocket URL",
				EnvVars: []string{"SYNCROOM_SERVER_URL"},
				Value:   defaults.ServerURL,
			},
			&cli.StringFlag{
				Name:     "room",
				Aliases:  []string{"r"},
				Usage:    "Room to join",
				EnvVars:  []string{"SYNCROOM_ROOM_ID"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "username",
				Aliases:  []string{"u"},
				Usage:    "Display name in the room",
				EnvVars:  []string{"SYNCROOM_USERNAME"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "Reuse a client id from an earlier session",
				EnvVars: []string{"SYNCROOM_CLIENT_ID"},
			},
			&cli.DurationFlag{
				Name:    "late-tolerance",
				Usage:   "Lateness accepted before playback seeks forward (0 corrects any lateness)",
				EnvVars: []string{"SYNCROOM_LATE_TOLERANCE"},
				Value:   defaults.LateTolerance,
			},
			&cli.IntFlag{
				Name:    "measurements",
				Usage:   "NTP round trips per sync window",
				EnvVars: []string{"SYNCROOM_MEASUREMENT_COUNT"},
				Value:   defaults.MeasurementCount,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: trace, debug, info, warn, error",
				EnvVars: []string{"SYNCROOM_LOG_LEVEL"},
				Value:   "info",
			},
		},
		Action: run,
	}
}

func configFromContext(c *cli.Context) (client.Config, error) {
	cfg := client.DefaultConfig()
	cfg.ServerURL = c.String("server")
	cfg.RoomID = c.String("room")
	cfg.Username = c.String("username")
	cfg.ClientID = c.String("client-id")
	cfg.LateTolerance = c.Duration("late-tolerance")
	cfg.MeasurementCount = c.Int("measurements")

	// Reconnection tuning is environment only
	if err := env.ParseWithOptions(&cfg.Reconnect, env.Options{Prefix: "SYNCROOM_RECONNECT_"}); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := configFromContext(c)
	if err != nil {
		return err
	}

	session := client.NewSession(cfg, clockwork.NewRealClock(), client.LogPlayer{})
	session.OnConnected(func(clientID string) {
		log.Info().Str("client_id", clientID).Str("room_id", cfg.RoomID).Msg("in room")
	})
	session.OnSynced(func(est clocksync.Estimate) {
		log.Info().
			Float64("offset_ms", est.AverageOffset).
			Float64("rtt_ms", est.AverageRoundTrip).
			Msg("clock offset updated")
	})
	session.Reconnect().OnStatus(func(s reconnect.Status) {
		if s.Reconnecting {
			log.Warn().
				Int("attempt", s.CurrentAttempt).
				Int("max_attempts", s.MaxAttempts).
				Msg("reconnecting")
		}
	})

	return session.Run(c.Context)
}
