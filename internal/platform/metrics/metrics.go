package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	RecordsPublished  prometheus.Counter
	PublishFailures   prometheus.Counter
	RecordsIngested   prometheus.Counter
	IngestionFailures prometheus.Counter
	CommitRetries     prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on the given registry. Tests pass a fresh
// registry to avoid duplicate-registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_records_published_total",
			Help: "Total number of audit records handed to the broker",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_publish_failures_total",
			Help: "Total number of audit batches that failed to publish",
		}),
		RecordsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_records_ingested_total",
			Help: "Total number of audit records written to the audit store",
		}),
		IngestionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_ingestion_failures_total",
			Help: "Total number of audit records that failed ingestion",
		}),
		CommitRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_commit_retries_total",
			Help: "Total number of optimistic-concurrency commit retries",
		}),
	}
}
