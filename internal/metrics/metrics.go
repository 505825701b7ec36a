package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pitwatch/internal/logger"
)

// Counters for the ingestion and review paths. Registered on the default
// registry so every daemon exposes the same families.
var (
	EventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitwatch_events_routed_total",
		Help: "Events successfully fanned out by the ingestion router.",
	}, []string{"family"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitwatch_events_dropped_total",
		Help: "Events dropped by the ingestion path, by reason.",
	}, []string{"reason"})

	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitwatch_sink_failures_total",
		Help: "Fan-out sink write failures, by sink.",
	}, []string{"sink"})

	ArchiverFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitwatch_archiver_flushes_total",
		Help: "Columnar archiver flush attempts, by topic and outcome.",
	}, []string{"topic", "outcome"})

	ReviewActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitwatch_review_actions_total",
		Help: "Escalation actions applied, by action.",
	}, []string{"action"})
)

// Serve exposes /metrics on addr. It returns immediately; the listener
// runs until the process exits. An empty addr disables the endpoint.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics endpoint failed: %v", err)
		}
	}()
	logger.Infof("Metrics endpoint listening on %s", addr)
}
