package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	cycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainpilot_cycles_total",
			Help: "Total number of agent cycles by type and terminal status.",
		},
		[]string{"agent_type", "status"},
	)
	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainpilot_cycle_duration_seconds",
			Help:    "Agent cycle duration in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent_type"},
	)
	signalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainpilot_signals_total",
			Help: "Actionable signals by action and outcome (executed, blocked, failed).",
		},
		[]string{"agent_type", "action", "outcome"},
	)
	guardrailBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainpilot_guardrail_blocks_total",
			Help: "Signals rejected by guardrails, labelled with the first failing rule.",
		},
		[]string{"rule"},
	)
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainpilot_tx_submissions_total",
			Help: "On-chain submissions by call kind and receipt status.",
		},
		[]string{"kind", "status"},
	)
	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainpilot_upstream_duration_seconds",
			Help:    "Latency of calls to external services.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	schedulerDue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainpilot_scheduler_due_agents",
			Help: "Number of due agents found by the last scheduler tick.",
		},
	)
)

func init() {
	registry.MustRegister(
		cycleTotal,
		cycleDuration,
		signalTotal,
		guardrailBlocks,
		submissions,
		upstreamLatency,
		schedulerDue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveCycle records the terminal status and duration of an agent cycle.
func ObserveCycle(agentType, status string, duration time.Duration) {
	cycleTotal.WithLabelValues(agentType, status).Inc()
	cycleDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// ObserveSignal records how an actionable signal ended.
func ObserveSignal(agentType, action, outcome string) {
	signalTotal.WithLabelValues(agentType, action, outcome).Inc()
}

// ObserveGuardrailBlock counts a guardrail rejection.
func ObserveGuardrailBlock(rule string) {
	guardrailBlocks.WithLabelValues(rule).Inc()
}

// ObserveSubmission counts a transaction submission; status is "confirmed", "reverted" or "error".
func ObserveSubmission(kind, status string) {
	submissions.WithLabelValues(kind, status).Inc()
}

// ObserveUpstream records the latency of a call to an external dependency.
func ObserveUpstream(service, status string, duration time.Duration) {
	upstreamLatency.WithLabelValues(service, status).Observe(duration.Seconds())
}

// SetDueAgents exposes the size of the last scheduler batch.
func SetDueAgents(n int) {
	schedulerDue.Set(float64(n))
}

// Registry returns the registry backing Handler, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
