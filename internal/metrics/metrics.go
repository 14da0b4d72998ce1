// Package metrics exposes inputbridged's Prometheus metrics. Each [Metrics]
// owns its registry so tests and multiple supervisors never share counters.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inputbridge"

// Metrics records supervisor activity. A nil *Metrics discards everything.
type Metrics struct {
	registry *prometheus.Registry

	reconfigurations     prometheus.Counter
	receiverFailures     prometheus.Counter
	terminationRequests  prometheus.Counter
	droppedNotifications *prometheus.CounterVec
	boundUID             prometheus.Gauge
	captureAvailable     prometheus.Gauge
}

// New creates Metrics registered on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reconfigurations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconfigurations_total",
			Help:      "Receiver replacement cycles run by the supervisor",
		}),
		receiverFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receiver_failures_total",
			Help:      "Receivers that could not be constructed",
		}),
		terminationRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "termination_requests_total",
			Help:      "Termination requests sent to the kill switch",
		}),
		droppedNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_notifications_total",
			Help:      "Watcher notifications that arrived after shutdown began",
		}, []string{"watcher"}),
		boundUID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "receiver_bound_uid",
			Help:      "User id the active receiver is bound to, -1 when none is active",
		}),
		captureAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_available",
			Help:      "1 while input capture devices are present",
		}),
	}
	m.boundUID.Set(-1)
	m.registry.MustRegister(
		m.reconfigurations,
		m.receiverFailures,
		m.terminationRequests,
		m.droppedNotifications,
		m.boundUID,
		m.captureAvailable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ///////////////////////////////////////////////
// Recording
// ///////////////////////////////////////////////

// ReceiverBound records a completed reconfiguration bound to uid.
func (m *Metrics) ReceiverBound(uid uint32) {
	if m == nil {
		return
	}
	m.reconfigurations.Inc()
	m.boundUID.Set(float64(uid))
}

// ReceiverFailed records a reconfiguration that left no receiver.
func (m *Metrics) ReceiverFailed() {
	if m == nil {
		return
	}
	m.reconfigurations.Inc()
	m.receiverFailures.Inc()
	m.boundUID.Set(-1)
}

// ReceiverReleased records that no receiver is active.
func (m *Metrics) ReceiverReleased() {
	if m == nil {
		return
	}
	m.boundUID.Set(-1)
}

// TerminationRequested records a kill switch request.
func (m *Metrics) TerminationRequested() {
	if m == nil {
		return
	}
	m.terminationRequests.Inc()
}

// NotificationDropped records a notification from watcher that was not
// delivered.
func (m *Metrics) NotificationDropped(watcher string) {
	if m == nil {
		return
	}
	m.droppedNotifications.WithLabelValues(watcher).Inc()
}

// CaptureAvailable records input capture availability.
func (m *Metrics) CaptureAvailable(available bool) {
	if m == nil {
		return
	}
	if available {
		m.captureAvailable.Set(1)
	} else {
		m.captureAvailable.Set(0)
	}
}

// ///////////////////////////////////////////////
// Exposition
// ///////////////////////////////////////////////

// Gatherer returns the registry backing m.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return m.serve(ctx, ln, log)
}

func (m *Metrics) serve(ctx context.Context, ln net.Listener, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
