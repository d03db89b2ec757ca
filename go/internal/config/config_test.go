package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcdev12/syncroom/go/internal/objectstore"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncroom.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Storage.Backend != objectstore.BackendMemory {
		t.Errorf("expected memory backend by default, got %s", cfg.Storage.Backend)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
  log_level: debug
gateway:
  room:
    schedule_horizon: 750ms
backup:
  interval: 2m
  retention: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Level() != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %v", cfg.Server.Level())
	}
	if cfg.Gateway.Room.ScheduleHorizon != 750*time.Millisecond {
		t.Errorf("expected 750ms horizon, got %v", cfg.Gateway.Room.ScheduleHorizon)
	}
	if cfg.Backup.Interval != 2*time.Minute || cfg.Backup.Retention != 3 {
		t.Errorf("unexpected backup config %+v", cfg.Backup)
	}
	// Untouched sections keep their defaults.
	if cfg.Backup.RestoreConcurrency != 1000 {
		t.Errorf("expected default restore concurrency, got %d", cfg.Backup.RestoreConcurrency)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9090\n")
	t.Setenv("PORT", "7070")
	t.Setenv("STORAGE_BACKEND", "badger")
	t.Setenv("STORAGE_NATS_BUCKET", "rooms")
	t.Setenv("BACKUP_RETENTION", "9")
	t.Setenv("ROOM_GAIN_FALLOFF", "0.1")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != objectstore.BackendBadger || cfg.Storage.NATS.Bucket != "rooms" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Backup.Retention != 9 {
		t.Errorf("expected retention 9, got %d", cfg.Backup.Retention)
	}
	if cfg.Gateway.Room.Gain.Falloff != 0.1 {
		t.Errorf("expected falloff 0.1, got %v", cfg.Gateway.Room.Gain.Falloff)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("expected two origins, got %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "storage:\n  backend: s3\n"},
		{"zero retention", "backup:\n  retention: 0\n"},
		{"bad log level", "server:\n  log_level: loud\n"},
		{"min gain above max", "gateway:\n  room:\n    gain:\n      min_gain: 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
