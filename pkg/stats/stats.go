// Package stats provides statistics functionality.
package stats

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirrorkeep/mirrorkeep/pkg/config"
)

var (
	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrorkeep",
		Name:      "syncs_total",
		Help:      "Finished sync attempts by outcome.",
	}, []string{"outcome"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mirrorkeep",
		Name:      "sync_duration_seconds",
		Help:      "Wall time of finished sync attempts.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	syncsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mirrorkeep",
		Name:      "syncs_running",
		Help:      "Sync attempts currently in flight.",
	})

	jobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirrorkeep",
		Name:      "jobs_dropped_total",
		Help:      "Jobs dropped because the mirror's lease was held.",
	})
)

// SyncStarted records a sync entering flight.
func SyncStarted() {
	syncsRunning.Inc()
}

// SyncFinished records a finished sync attempt.
func SyncFinished(outcome string, elapsed time.Duration) {
	syncsRunning.Dec()
	syncsTotal.WithLabelValues(outcome).Inc()
	syncDuration.Observe(elapsed.Seconds())
}

// JobDropped records a job skipped due to lease contention.
func JobDropped() {
	jobsDropped.Inc()
}

// StatsServer is a server for collecting and reporting statistics.
type StatsServer struct { //nolint:revive
	ctx    context.Context
	cfg    *config.Config
	server *http.Server
}

// NewStatsServer returns a new StatsServer.
func NewStatsServer(ctx context.Context) (*StatsServer, error) {
	cfg := config.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &StatsServer{
		ctx: ctx,
		cfg: cfg,
		server: &http.Server{
			Addr:              cfg.Stats.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: time.Second * 10,
			ReadTimeout:       time.Second * 10,
			WriteTimeout:      time.Second * 10,
			MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
		},
	}, nil
}

// ListenAndServe starts the StatsServer.
func (s *StatsServer) ListenAndServe() error {
	return s.server.ListenAndServe() //nolint:wrapcheck
}

// Shutdown gracefully shuts down the StatsServer.
func (s *StatsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx) //nolint:wrapcheck
}

// Close closes the StatsServer.
func (s *StatsServer) Close() error {
	return s.server.Close() //nolint:wrapcheck
}
