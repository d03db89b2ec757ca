// Package health reports whether the room server can serve and persist rooms.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/gateway"
	"github.com/mcdev12/syncroom/go/internal/objectstore"
)

// probeKey is looked up to prove the store answers. It never exists.
const probeKey = "health/probe"

type Status struct {
	Healthy        bool       `json:"healthy"`
	StoreReachable bool       `json:"store_reachable"`
	LastBackup     *time.Time `json:"last_backup,omitempty"`
	Connections    int        `json:"connections"`
	Rooms          int        `json:"rooms"`
	Errors         []string   `json:"errors"`
}

type HealthChecker interface {
	Check(ctx context.Context) Status
}

// BackupSource reports the last successful state backup.
type BackupSource interface {
	LastBackup() (time.Time, bool)
}

// StatsSource reports gateway connection counts.
type StatsSource interface {
	GetStats() gateway.ConnectionStats
}

// ServerChecker checks the object store and backup freshness.
type ServerChecker struct {
	store     objectstore.Store
	backups   BackupSource
	gateway   StatsSource
	clock     clockwork.Clock
	started   time.Time
	threshold time.Duration // How long without a backup before unhealthy
}

func NewServerChecker(store objectstore.Store, backups BackupSource, gw StatsSource, clock clockwork.Clock, threshold time.Duration) *ServerChecker {
	return &ServerChecker{
		store:     store,
		backups:   backups,
		gateway:   gw,
		clock:     clock,
		started:   clock.Now(),
		threshold: threshold,
	}
}

func (h *ServerChecker) Check(ctx context.Context) Status {
	status := Status{
		Healthy: true,
		Errors:  []string{},
	}

	stats := h.gateway.GetStats()
	status.Connections = stats.TotalConnections
	status.Rooms = stats.ActiveRooms

	// Check object store
	if _, err := h.store.Exists(ctx, probeKey); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("object store check failed: %v", err))
	} else {
		status.StoreReachable = true
	}

	// Check that backups keep up
	now := h.clock.Now()
	if last, ok := h.backups.LastBackup(); ok {
		status.LastBackup = &last
		if age := now.Sub(last); age > h.threshold {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("no backup for %s", age))
		}
	} else if uptime := now.Sub(h.started); uptime > h.threshold {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("no backup since start %s ago", uptime))
	}

	return status
}

// ServeHTTP responds 200 when healthy and 503 otherwise.
func (h *ServerChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}
