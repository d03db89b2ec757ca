package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the JetStream object store backend
type NATSConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	Bucket        string        `yaml:"bucket" env:"BUCKET"`
	MaxReconnects int           `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
}

// DefaultNATSConfig returns default JetStream object store configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Bucket:        "syncroom",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSStore stores objects in a JetStream object store bucket
type NATSStore struct {
	nc     *nats.Conn
	bucket jetstream.ObjectStore
}

// NewNATSStore connects to NATS and opens (or creates) the configured bucket
func NewNATSStore(ctx context.Context, config NATSConfig) (*NATSStore, error) {
	opts := []nats.Option{
		nats.Name("syncroom-objectstore"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	bucket, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      config.Bucket,
		Description: "syncroom state backups and room assets",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open object store %s: %w", config.Bucket, err)
	}

	log.Info().
		Str("url", config.URL).
		Str("bucket", config.Bucket).
		Msg("Connected to JetStream object store")

	return &NATSStore{nc: nc, bucket: bucket}, nil
}

func (s *NATSStore) Upload(ctx context.Context, key string, data []byte) error {
	if _, err := s.bucket.PutBytes(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *NATSStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.GetBytes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, translateNATSError(err))
	}
	return data, nil
}

func (s *NATSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	infos, err := s.bucket.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list objects: %w", err)
	}

	var out []ObjectInfo
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		out = append(out, ObjectInfo{
			Key:          info.Name,
			Size:         int64(info.Size),
			LastModified: info.ModTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, translateNATSError(err))
	}
	return nil
}

func (s *NATSStore) Exists(ctx context.Context, key string) (bool, error) {
	info, err := s.bucket.GetInfo(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.Deleted, nil
}

// Close drains the NATS connection
func (s *NATSStore) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

func translateNATSError(err error) error {
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}
