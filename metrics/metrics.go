// Package metrics holds the process's Prometheus collectors: tick
// duration, broadcast frame counts, migration outcome counters, and
// snapshot save duration. A separate package rather than living in api/
// so runner, migration, snapshot, and broadcast can record into it
// without importing the HTTP layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecosim_tick_duration_seconds",
		Help:    "Duration of one WorldRunner backend.Step call.",
		Buckets: prometheus.DefBuckets,
	}, []string{"world_type"})

	serializeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecosim_serialize_duration_seconds",
		Help:    "Duration of SerializeState for a full or delta payload.",
		Buckets: prometheus.DefBuckets,
	}, []string{"world_type"})

	broadcastFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecosim_broadcast_frames_total",
		Help: "State frames emitted by the BroadcastHub, per world.",
	}, []string{"world_id"})

	migrationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecosim_migration_outcomes_total",
		Help: "MigrationScheduler transfer attempts by success/error_code.",
	}, []string{"success", "error_code"})

	snapshotSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ecosim_snapshot_save_duration_seconds",
		Help:    "Duration of SnapshotStore.Save.",
		Buckets: prometheus.DefBuckets,
	})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecosim_http_request_duration_seconds",
		Help:    "Duration of HTTP API requests by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ecosim_ws_connections",
		Help: "Currently open WebSocket connections.",
	})
)

func ObserveTick(worldType string, d time.Duration) {
	tickDuration.WithLabelValues(worldType).Observe(d.Seconds())
}

func ObserveSerialize(worldType string, d time.Duration) {
	serializeDuration.WithLabelValues(worldType).Observe(d.Seconds())
}

func IncBroadcastFrame(worldID string) {
	broadcastFrames.WithLabelValues(worldID).Inc()
}

func IncMigrationOutcome(success bool, errorCode string) {
	migrationOutcomes.WithLabelValues(boolLabel(success), errorCode).Inc()
}

func ObserveSnapshotSave(d time.Duration) {
	snapshotSaveDuration.Observe(d.Seconds())
}

func ObserveHTTPRequest(route, method, status string, d time.Duration) {
	httpRequestDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}

func WSConnectionOpened() { wsConnections.Inc() }
func WSConnectionClosed() { wsConnections.Dec() }

// Handler returns the /metrics endpoint.
func Handler() http.Handler { return promhttp.Handler() }

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
