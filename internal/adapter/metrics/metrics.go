// Package metrics exposes Prometheus instrumentation for the proxy
// pipeline.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for tapwire.
// Pass to components that need to record metrics; a nil *Metrics
// disables recording.
type Metrics struct {
	CapturedTotal  *prometheus.CounterVec
	ForwardedTotal *prometheus.CounterVec
	HeldTotal      prometheus.Counter
	DroppedTotal   prometheus.Counter
	ModifiedTotal  prometheus.Counter
	HeldMessages   prometheus.Gauge
	ForwardLatency *prometheus.HistogramVec
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CapturedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapwire",
				Name:      "messages_captured_total",
				Help:      "Total messages captured by the pipeline",
			},
			[]string{"direction"},
		),
		ForwardedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapwire",
				Name:      "messages_forwarded_total",
				Help:      "Total messages forwarded to their destination",
			},
			[]string{"direction"},
		),
		HeldTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "tapwire",
				Name:      "messages_held_total",
				Help:      "Total messages held by the intercept engine",
			},
		),
		DroppedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "tapwire",
				Name:      "messages_dropped_total",
				Help:      "Total held messages released with the drop action",
			},
		),
		ModifiedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "tapwire",
				Name:      "messages_modified_total",
				Help:      "Total held messages released with a rewritten payload",
			},
		),
		HeldMessages: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tapwire",
				Name:      "held_messages",
				Help:      "Messages currently parked in the intercept queue",
			},
		),
		ForwardLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tapwire",
				Name:      "forward_latency_seconds",
				Help:      "Capture-to-forward latency per message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"direction"},
		),
	}
}

// Server exposes the registry over HTTP at /metrics.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds an exposition server bound to addr.
func NewServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics server stopped", "error", err)
		}
	}()
}

// Shutdown stops the exposition server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
