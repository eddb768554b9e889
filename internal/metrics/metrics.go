// Package metrics exposes Prometheus collectors for queries, index builds,
// ingestion and embedder calls.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
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

const namespace = "hybridsearch"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Config controls the metrics endpoint.
type Config struct {
	Address                 string
	EnableDefaultCollectors bool
}

// Metrics holds the private registry, the /metrics server and the collectors.
type Metrics struct {
	Server   *http.Server
	Registry *prometheus.Registry

	queriesTotal       *prometheus.CounterVec
	queryDuration      *prometheus.HistogramVec
	indexBuildsTotal   *prometheus.CounterVec
	indexBuildDuration *prometheus.HistogramVec
	documentsInserted  *prometheus.CounterVec
	embedderRequests   *prometheus.CounterVec
	indexSize          *prometheus.GaugeVec
}

// New creates a registry with every collector registered and an HTTP server
// serving it. The server is not started.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queries_total", Help: "Search queries by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_duration_seconds", Help: "Search latency by strategy.",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
		indexBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "index_builds_total", Help: "ANN index builds by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		indexBuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "index_build_duration_seconds", Help: "ANN index build time by strategy.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"strategy"}),
		documentsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "documents_inserted_total", Help: "Documents committed by collection.",
		}, []string{"collection"}),
		embedderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "embedder_requests_total", Help: "Embedding provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		indexSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "index_size", Help: "Live vectors in the published index.",
		}, []string{"collection"}),
	}

	registry.MustRegister(
		m.queriesTotal,
		m.queryDuration,
		m.indexBuildsTotal,
		m.indexBuildDuration,
		m.documentsInserted,
		m.embedderRequests,
		m.indexSize,
	)
	if cfg.EnableDefaultCollectors {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	m.Server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m
}

// ListenAndServe serves /metrics until Shutdown.
func (m *Metrics) ListenAndServe() error {
	if m == nil {
		return nil
	}
	if err := m.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.Server.Shutdown(ctx)
}

// ObserveQuery records one search execution.
func (m *Metrics) ObserveQuery(strategy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(strategy, outcome).Inc()
	m.queryDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// ObserveBuild records one index build.
func (m *Metrics) ObserveBuild(strategy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.indexBuildsTotal.WithLabelValues(strategy, outcome).Inc()
	if outcome == OutcomeSuccess {
		m.indexBuildDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	}
}

// AddDocuments counts committed documents.
func (m *Metrics) AddDocuments(collection string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.documentsInserted.WithLabelValues(collection).Add(float64(n))
}

// ObserveEmbedderRequest counts one provider call.
func (m *Metrics) ObserveEmbedderRequest(provider, outcome string) {
	if m == nil {
		return
	}
	m.embedderRequests.WithLabelValues(provider, outcome).Inc()
}

// SetIndexSize reports the live size of a published index.
func (m *Metrics) SetIndexSize(collection string, n int) {
	if m == nil {
		return
	}
	m.indexSize.WithLabelValues(collection).Set(float64(n))
}

// Outcome maps an error to an outcome label.
func Outcome(err error, timeout bool) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case timeout:
		return OutcomeTimeout
	}
	return OutcomeError
}
