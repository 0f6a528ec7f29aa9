// Package observability aggregates the Prometheus metric collectors
// used across the pipeline and exposes them over HTTP.
package observability

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/observability/metrics"
)

// Metrics holds all metric collectors behind a single registry.
type Metrics struct {
	registry *prometheus.Registry
	Ingest   *metrics.IngestMetrics
	Decoder  *metrics.DecoderMetrics
	Health   *metrics.HealthMetrics
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	ingest, err := metrics.NewIngestMetrics(registry)
	if err != nil {
		return nil, errors.New(err).
			Component("observability").
			Category(errors.CategorySystem).
			Context("operation", "create_ingest_metrics").
			Build()
	}

	decoder, err := metrics.NewDecoderMetrics(registry)
	if err != nil {
		return nil, errors.New(err).
			Component("observability").
			Category(errors.CategorySystem).
			Context("operation", "create_decoder_metrics").
			Build()
	}

	health, err := metrics.NewHealthMetrics(registry)
	if err != nil {
		return nil, errors.New(err).
			Component("observability").
			Category(errors.CategorySystem).
			Context("operation", "create_health_metrics").
			Build()
	}

	return &Metrics{
		registry: registry,
		Ingest:   ingest,
		Decoder:  decoder,
		Health:   health,
	}, nil
}

// Handler returns an HTTP handler serving the registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.Default(),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
