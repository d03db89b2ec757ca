package objectstore

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/dbconfig"
)

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Config selects and configures a storage backend.
type Config struct {
	Backend   string          `yaml:"backend" env:"BACKEND" validate:"oneof=memory nats postgres badger"`
	PublicURL string          `yaml:"public_url" env:"PUBLIC_URL" validate:"omitempty,url"`
	NATS      NATSConfig      `yaml:"nats" envPrefix:"NATS_"`
	Postgres  dbconfig.Config `yaml:"postgres" envPrefix:"DB_"`
	BadgerDir string          `yaml:"badger_dir" env:"BADGER_DIR"`
}

// DefaultConfig returns an in-memory store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendMemory,
		NATS:     DefaultNATSConfig(),
		Postgres: dbconfig.DefaultConfig(),
	}
}

// New opens the configured backend.
func New(ctx context.Context, cfg Config, clock clockwork.Clock) (Store, error) {
	log.Info().Str("backend", cfg.Backend).Msg("Opening object store")

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(clock), nil
	case BackendNATS:
		return NewNATSStore(ctx, cfg.NATS)
	case BackendPostgres:
		pool, err := cfg.Postgres.Connect(ctx)
		if err != nil {
			return nil, err
		}
		store, err := NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	case BackendBadger:
		return NewBadgerStore(cfg.BadgerDir)
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}
