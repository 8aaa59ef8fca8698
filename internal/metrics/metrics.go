// Package metrics holds the Prometheus collectors of the decision engine and
// the execution core. A nil *Metrics is valid and records nothing.
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

// Metrics groups every collector exported by the process.
type Metrics struct {
	Evaluations       *prometheus.CounterVec
	EvaluationLatency prometheus.Histogram
	Signals           *prometheus.CounterVec
	Orders            *prometheus.CounterVec
	OrderLatency      *prometheus.HistogramVec
	RiskRejections    *prometheus.CounterVec
	KillSwitch        *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	FeeLookups        *prometheus.CounterVec
	TickerMessages    prometheus.Counter
	VenueRequests     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratcore_evaluations_total",
			Help: "Strategy evaluations by outcome",
		}, []string{"outcome"}),
		EvaluationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stratcore_evaluation_seconds",
			Help:    "Latency of one strategy evaluation including data fetch",
			Buckets: prometheus.DefBuckets,
		}),
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratcore_signals_total",
			Help: "Signals emitted by kind and side",
		}, []string{"kind", "side"}),
		Orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratcore_orders_total",
			Help: "Order attempts by mode and outcome",
		}, []string{"mode", "outcome"}),
		OrderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stratcore_order_seconds",
			Help:    "Executor latency by mode",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		RiskRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratcore_risk_rejections_total",
			Help: "Orders rejected by the risk manager by reason code",
		}, []string{"code"}),
		KillSwitch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratcore_kill_switch_changes_total",
			Help: "Kill switch activations and deactivations by scope kind",
		}, []string{"scope", "active"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "stratcore_active_sessions",
			Help: "Sessions currently driven by a runner",
		}),
		FeeLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratcore_fee_lookups_total",
			Help: "Fee percentage lookups by result",
		}, []string{"result"}),
		TickerMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "stratcore_ticker_messages_total",
			Help: "Ticker updates received from the websocket feed",
		}),
		VenueRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratcore_venue_requests_total",
			Help: "Venue REST calls by endpoint and result",
		}, []string{"endpoint", "result"}),
		gatherer: reg,
	}
}

// ObserveEvaluation records one evaluation outcome ("signal", "none", "error").
func (m *Metrics) ObserveEvaluation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(outcome).Inc()
	m.EvaluationLatency.Observe(d.Seconds())
}

// ObserveSignal counts an emitted signal.
func (m *Metrics) ObserveSignal(kind, side string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(kind, side).Inc()
}

// ObserveOrder records an order attempt.
func (m *Metrics) ObserveOrder(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(mode, outcome).Inc()
	if d > 0 {
		m.OrderLatency.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// ObserveRiskRejection counts a risk rejection by code.
func (m *Metrics) ObserveRiskRejection(code string) {
	if m == nil {
		return
	}
	m.RiskRejections.WithLabelValues(code).Inc()
}

// ObserveKillSwitch counts a kill switch change.
func (m *Metrics) ObserveKillSwitch(scopeKind string, active bool) {
	if m == nil {
		return
	}
	state := "false"
	if active {
		state = "true"
	}
	m.KillSwitch.WithLabelValues(scopeKind, state).Inc()
}

// SessionStarted and SessionEnded move the active session gauge.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

// ObserveFeeLookup counts fee cache hits, misses and fallbacks.
func (m *Metrics) ObserveFeeLookup(result string) {
	if m != nil {
		m.FeeLookups.WithLabelValues(result).Inc()
	}
}

// ObserveTicker counts one ticker message.
func (m *Metrics) ObserveTicker() {
	if m != nil {
		m.TickerMessages.Inc()
	}
}

// ObserveVenueRequest counts one venue REST call.
func (m *Metrics) ObserveVenueRequest(endpoint string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.VenueRequests.WithLabelValues(endpoint, result).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
