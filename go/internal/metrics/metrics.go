// Package metrics exposes server metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncroom"

// Collector records everything the server reports. NoOp discards it all.
type Collector interface {
	RecordStoreOperation(op string, success bool, duration time.Duration)
	RecordBackup(success bool, rooms int, duration time.Duration)
	RecordRestore(restored, failed, missingAssets int)
	RecordMessage(direction, msgType string)
	RecordMalformedMessage()
	RecordRateLimited()
	RecordDroppedConnection()
	SetConnections(n int)
	SetRooms(n int)
}

// NoOp is a Collector for when metrics aren't needed.
type NoOp struct{}

func (NoOp) RecordStoreOperation(string, bool, time.Duration) {}
func (NoOp) RecordBackup(bool, int, time.Duration)            {}
func (NoOp) RecordRestore(int, int, int)                      {}
func (NoOp) RecordMessage(string, string)                     {}
func (NoOp) RecordMalformedMessage()                          {}
func (NoOp) RecordRateLimited()                               {}
func (NoOp) RecordDroppedConnection()                         {}
func (NoOp) SetConnections(int)                               {}
func (NoOp) SetRooms(int)                                     {}

// Prometheus implements Collector on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	storeOps        *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec
	backups         *prometheus.CounterVec
	backupRooms     prometheus.Gauge
	backupDuration  prometheus.Histogram
	restoredRooms   prometheus.Counter
	restoreFailures prometheus.Counter
	missingAssets   prometheus.Counter
	messages        *prometheus.CounterVec
	malformed       prometheus.Counter
	rateLimited     prometheus.Counter
	dropped         prometheus.Counter
	connections     prometheus.Gauge
	rooms           prometheus.Gauge
}

// NewPrometheus creates and registers every metric.
func NewPrometheus() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "operations_total",
			Help:      "Object store calls by operation and status.",
		}, []string{"op", "status"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "operation_duration_seconds",
			Help:      "Object store call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "backups_total",
			Help:      "State backups by status.",
		}, []string{"status"}),
		backupRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "backup_rooms",
			Help:      "Rooms included in the last backup.",
		}),
		backupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "backup_duration_seconds",
			Help:      "Time taken to write a backup.",
			Buckets:   prometheus.DefBuckets,
		}),
		restoredRooms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "restored_rooms_total",
			Help:      "Rooms restored from backup.",
		}),
		restoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "restore_failures_total",
			Help:      "Rooms that failed to restore.",
		}),
		missingAssets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "missing_assets_total",
			Help:      "Audio sources dropped during restore.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_total",
			Help:      "Websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "malformed_messages_total",
			Help:      "Inbound messages rejected at decode.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rate_limited_messages_total",
			Help:      "Inbound messages dropped by the per-connection limiter.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "dropped_connections_total",
			Help:      "Connections closed because their send buffer was full.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms held in memory.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.storeOps, m.storeDuration,
		m.backups, m.backupRooms, m.backupDuration,
		m.restoredRooms, m.restoreFailures, m.missingAssets,
		m.messages, m.malformed, m.rateLimited, m.dropped,
		m.connections, m.rooms,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Prometheus) RecordStoreOperation(op string, success bool, duration time.Duration) {
	m.storeOps.WithLabelValues(op, status(success)).Inc()
	m.storeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Prometheus) RecordBackup(success bool, rooms int, duration time.Duration) {
	m.backups.WithLabelValues(status(success)).Inc()
	m.backupDuration.Observe(duration.Seconds())
	if success {
		m.backupRooms.Set(float64(rooms))
	}
}

func (m *Prometheus) RecordRestore(restored, failed, missingAssets int) {
	m.restoredRooms.Add(float64(restored))
	m.restoreFailures.Add(float64(failed))
	m.missingAssets.Add(float64(missingAssets))
}

func (m *Prometheus) RecordMessage(direction, msgType string) {
	m.messages.WithLabelValues(direction, msgType).Inc()
}

func (m *Prometheus) RecordMalformedMessage() {
	m.malformed.Inc()
}

func (m *Prometheus) RecordRateLimited() {
	m.rateLimited.Inc()
}

func (m *Prometheus) RecordDroppedConnection() {
	m.dropped.Inc()
}

func (m *Prometheus) SetConnections(n int) {
	m.connections.Set(float64(n))
}

func (m *Prometheus) SetRooms(n int) {
	m.rooms.Set(float64(n))
}
