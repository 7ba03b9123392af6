// Package metrics exposes Prometheus metrics for the synchronization loop.
//
// All recording methods are safe on a nil *Metrics, so the loop can call
// them unconditionally.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lockstep"

// Engine status values reported by the engine_status gauge.
const (
	StatusConnected    = 1
	StatusStepping     = 2
	StatusFailed       = 3
	StatusDisconnected = 0
)

// Metrics represents the collection of loop metrics.
type Metrics struct {
	CyclesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	EngineStepDuration *prometheus.HistogramVec
	EngineStatus       *prometheus.GaugeVec
	FunctionFailures   *prometheus.CounterVec
	SimulationTime     prometheus.Gauge
}

// New creates the loop metrics and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}

	m.CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of completed synchronization cycles",
		},
	)

	m.CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of a synchronization cycle",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.EngineStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_step_duration_seconds",
			Help:      "Wall-clock duration of apply-inputs plus step per engine",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	m.EngineStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_status",
			Help:      "Engine connection status (0=disconnected, 1=connected, 2=stepping, 3=failed)",
		},
		[]string{"engine"},
	)

	m.FunctionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_failures_total",
			Help:      "Total number of transceiver function failures",
		},
		[]string{"function", "code"},
	)

	m.SimulationTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "simulation_time_seconds",
			Help:      "Global simulated time of the last completed cycle",
		},
	)

	for _, c := range []prometheus.Collector{
		m.CyclesTotal,
		m.CycleDuration,
		m.EngineStepDuration,
		m.EngineStatus,
		m.FunctionFailures,
		m.SimulationTime,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveCycle records a completed cycle.
func (m *Metrics) ObserveCycle(d time.Duration, simTime time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(d.Seconds())
	m.SimulationTime.Set(simTime.Seconds())
}

// ObserveEngineStep records how long one engine took to apply inputs and
// step.
func (m *Metrics) ObserveEngineStep(engine string, d time.Duration) {
	if m == nil {
		return
	}
	m.EngineStepDuration.WithLabelValues(engine).Observe(d.Seconds())
}

// SetEngineStatus sets the status gauge of engine to one of the Status
// constants.
func (m *Metrics) SetEngineStatus(engine string, status int) {
	if m == nil {
		return
	}
	m.EngineStatus.WithLabelValues(engine).Set(float64(status))
}

// FunctionFailed counts a failure of function with the given error code.
func (m *Metrics) FunctionFailed(function, code string) {
	if m == nil {
		return
	}
	m.FunctionFailures.WithLabelValues(function, code).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes g at /metrics on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
