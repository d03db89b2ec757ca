package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/syncroom/go/internal/config"
	"github.com/mcdev12/syncroom/go/internal/metrics"
)

func newCORS(cfg config.ServerConfig) *cors.Cors {
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
}

// checkOrigin applies the CORS origin policy to websocket upgrades. Requests
// without an Origin header come from non-browser clients and are accepted.
func checkOrigin(c *cors.Cors) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if r.Header.Get("Origin") == "" {
			return true
		}
		return c.OriginAllowed(r)
	}
}

func setupServer(cfg config.ServerConfig, services *Services, collector *metrics.Prometheus) *http.Server {
	mux := http.NewServeMux()

	// Register gateway routes (WebSocket and REST)
	services.Gateway.RegisterRoutes(mux)

	// Add health check endpoints
	setupHealthCheck(mux, services.Health)

	mux.Handle("/metrics", collector.Handler())

	// Wrap with CORS
	handler := services.CORS.Handler(mux)

	// Setup HTTP/2 server
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func setupHealthCheck(mux *http.ServeMux, checker http.Handler) {
	mux.Handle("/health", checker)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

func listen(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}
