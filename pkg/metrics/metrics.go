// Package metrics records what a replication run did. A run is a batch job,
// so the values are pushed to a Pushgateway when it ends instead of being
// scraped.
package metrics

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// JobName groups the pushed metrics on the Pushgateway.
const JobName = "postgres_to_redshift"

// Table statuses.
const (
	StatusSynced = "synced"
	StatusFailed = "failed"
)

// Metrics holds the collectors of one run on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TablesSynced  *prometheus.CounterVec
	RowsExported  *prometheus.CounterVec
	BytesUploaded *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	LastSuccess   prometheus.Gauge
}

// New registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		TablesSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "p2r_tables_total",
			Help: "Tables processed, by status",
		}, []string{"status"}),
		RowsExported: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "p2r_rows_exported_total",
			Help: "Rows exported from the source",
		}, []string{"table"}),
		BytesUploaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "p2r_bytes_uploaded_total",
			Help: "Compressed bytes uploaded to the object store",
		}, []string{"table"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "p2r_stage_duration_seconds",
			Help:    "Time spent per table in each stage",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"stage"}),
		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "p2r_last_success_timestamp_seconds",
			Help: "Unix time the last run finished without error",
		}),
	}
}

// Registry exposes the collectors for inspection.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records how long a stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// TableDone counts a finished table.
func (m *Metrics) TableDone(err error) {
	if err != nil {
		m.TablesSynced.WithLabelValues(StatusFailed).Inc()
		return
	}
	m.TablesSynced.WithLabelValues(StatusSynced).Inc()
}

// Exported counts the rows and bytes of a table's export.
func (m *Metrics) Exported(table string, rows, bytes int64) {
	m.RowsExported.WithLabelValues(table).Add(float64(rows))
	m.BytesUploaded.WithLabelValues(table).Add(float64(bytes))
}

// Succeeded marks the run as successful now.
func (m *Metrics) Succeeded() {
	m.LastSuccess.SetToCurrentTime()
}

// Push sends every collector to the Pushgateway at url, replacing the
// previous run's values. An empty url does nothing.
func (m *Metrics) Push(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, JobName).Gatherer(m.registry).PushContext(ctx)
	return errors.Wrap(err, "Unable to push metrics to "+url)
}
