/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: metrics.go
Description: Prometheus instrumentation for experiment batches. Tracks cycles, forced app stops,
boot retries by reason and finished runs by result, plus the latest event and screen counts per
device, and serves them over HTTP for scraping during long batches.
*/

package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "akaylee_runner"

// Metrics holds the batch collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles      *prometheus.CounterVec
	forceStops  *prometheus.CounterVec
	readErrors  *prometheus.CounterVec
	bootRetries *prometheus.CounterVec
	runs        *prometheus.CounterVec
	totalEvents *prometheus.GaugeVec
	screens     *prometheus.GaugeVec
	cycleTime   *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Fuzz/harvest cycles evaluated.",
		}, []string{"device"}),
		forceStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "force_stops_total",
			Help:      "App force-stops issued after a plateau.",
		}, []string{"device"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_read_errors_total",
			Help:      "Pulled event stores that could not be read.",
		}, []string{"device"}),
		bootRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boot_retries_total",
			Help:      "Run attempts restarted from boot, by reason.",
		}, []string{"device", "reason"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs, by result state.",
		}, []string{"device", "result"}),
		totalEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_events",
			Help:      "Total telemetry events in the last pulled store.",
		}, []string{"device"}),
		screens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "distinct_screens",
			Help:      "Distinct screens in the last pulled store.",
		}, []string{"device"}),
		cycleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one fuzz/harvest cycle.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 8),
		}, []string{"device"}),
	}
	m.registry.MustRegister(
		m.cycles, m.forceStops, m.readErrors, m.bootRetries, m.runs,
		m.totalEvents, m.screens, m.cycleTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveCycle(device string, total int64, screens int, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(device).Inc()
	m.totalEvents.WithLabelValues(device).Set(float64(total))
	m.screens.WithLabelValues(device).Set(float64(screens))
	m.cycleTime.WithLabelValues(device).Observe(took.Seconds())
}

func (m *Metrics) ForceStop(device string) {
	if m == nil {
		return
	}
	m.forceStops.WithLabelValues(device).Inc()
}

func (m *Metrics) ReadError(device string) {
	if m == nil {
		return
	}
	m.readErrors.WithLabelValues(device).Inc()
}

func (m *Metrics) BootRetry(device, reason string) {
	if m == nil {
		return
	}
	m.bootRetries.WithLabelValues(device, reason).Inc()
}

func (m *Metrics) RunFinished(device, result string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(device, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
