package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"

	"github.com/mcdev12/syncroom/go/internal/config"
	"github.com/mcdev12/syncroom/go/internal/gateway"
	"github.com/mcdev12/syncroom/go/internal/health"
	"github.com/mcdev12/syncroom/go/internal/metrics"
	"github.com/mcdev12/syncroom/go/internal/objectstore"
	"github.com/mcdev12/syncroom/go/internal/statestore"
)

type Services struct {
	Gateway *gateway.Service
	Backups *statestore.Manager
	Health  *health.ServerChecker
	CORS    *cors.Cors
}

func setupStorage(ctx context.Context, cfg objectstore.Config, clock clockwork.Clock, collector metrics.Collector) (objectstore.Store, error) {
	store, err := objectstore.New(ctx, cfg, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}
	return objectstore.NewInstrumentedStore(store, collector), nil
}

func setupServices(cfg *config.Config, clock clockwork.Clock, store objectstore.Store, collector metrics.Collector) *Services {
	// Wire up dependency injection chain
	// Object store → State persistence → Room directory → Gateway
	corsHandler := newCORS(cfg.Server)

	gatewayConfig := cfg.Gateway
	gatewayConfig.Connection.CheckOrigin = checkOrigin(corsHandler)
	gatewayService := gateway.NewService(gatewayConfig, clock, collector)

	rooms := gatewayService.Rooms()
	backups := statestore.NewManager(store, rooms, clock, cfg.Backup, cfg.Storage.PublicURL)
	backups.SetRecorder(collector)

	// Objects of idle rooms are removed once the room itself is dropped
	rooms.SetCleanupFunc(backups.DeleteRoomObjects)

	// Unhealthy once three backup intervals pass without a backup
	checker := health.NewServerChecker(store, backups, gatewayService, clock, 3*cfg.Backup.Interval)

	return &Services{
		Gateway: gatewayService,
		Backups: backups,
		Health:  checker,
		CORS:    corsHandler,
	}
}
