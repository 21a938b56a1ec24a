// Package replicate drives a full reload: every discovered table is
// exported, uploaded and swapped into the warehouse, one after another.
package replicate

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/metrics"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/syncerr"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/typemap"
)

// Default hook script locations, relative to the working directory.
const (
	DefaultPreHook  = "./pre.sql"
	DefaultPostHook = "./post.sql"
)

// Catalog discovers the source tables. *psql.Catalog satisfies it.
type Catalog interface {
	Discover(ctx context.Context, logger *zap.Logger) ([]ds.Table, error)
}

// Exporter exports and uploads one table. *exporter.Exporter satisfies it.
type Exporter interface {
	Export(ctx context.Context, table ds.Table) (ds.ExportArtifact, error)
}

// ScriptRunner runs an optional hook script.
type ScriptRunner interface {
	RunScript(ctx context.Context, path string) (bool, error)
}

// Warehouse is the replication target. *redshift.Importer and
// *bq.Importer satisfy it.
type Warehouse interface {
	ScriptRunner
	Mapper() typemap.Mapper
	EnsureTable(ctx context.Context, table ds.Table) error
	Import(ctx context.Context, table ds.Table) error
}

// Config tunes a run.
type Config struct {
	// PreHook runs against the source before discovery. Empty disables it.
	PreHook string
	// PostHook runs against the warehouse after the last table. Empty
	// disables it.
	PostHook string
	// Only restricts the run to these source tables when not empty.
	Only []string
}

// Replicator runs one replication.
type Replicator struct {
	catalog   Catalog
	exporter  Exporter
	source    ScriptRunner
	warehouse Warehouse
	metrics   *metrics.Metrics
	cfg       Config
	logger    *zap.Logger
}

// New returns a Replicator.
func New(
	catalog Catalog,
	exporter Exporter,
	source ScriptRunner,
	warehouse Warehouse,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Replicator {
	return &Replicator{
		catalog:   catalog,
		exporter:  exporter,
		source:    source,
		warehouse: warehouse,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run replicates every table and stops at the first failure, so a
// partially replicated warehouse is never reported as a success. Tables
// already swapped in stay swapped in. Cancellation is honoured between
// tables only.
func (r *Replicator) Run(ctx context.Context) error {
	if err := r.runHook(ctx, r.source, r.cfg.PreHook, "pre"); err != nil {
		return err
	}

	tables, err := r.Tables(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("Replicating tables", zap.Int("count", len(tables)))

	for _, table := range tables {
		if err = ctx.Err(); err != nil {
			return errors.Wrap(err, "run cancelled before table "+table.Name)
		}
		err = r.processSingleTable(ctx, table)
		r.metrics.TableDone(err)
		if err != nil {
			r.logger.Error("Table failed",
				zap.String("table", table.Name),
				zap.String("stage", syncerr.Stage(err)),
				zap.Error(err))
			return errors.Wrap(err, "table "+table.Name+" processing error")
		}
	}

	if err = r.runHook(ctx, r.warehouse, r.cfg.PostHook, "post"); err != nil {
		return err
	}
	r.metrics.Succeeded()
	return nil
}

// Tables discovers the tables a run would replicate.
func (r *Replicator) Tables(ctx context.Context) ([]ds.Table, error) {
	start := time.Now()
	r.logger.Info("Discovering tables")
	tables, err := r.catalog.Discover(ctx, r.logger)
	r.metrics.ObserveStage("discovering", start)
	if err != nil {
		return nil, err
	}
	return filterOnly(tables, r.cfg.Only)
}

func (r *Replicator) processSingleTable(ctx context.Context, table ds.Table) error {
	logger := r.logger.With(zap.String("table", table.String()))

	// fail before any DDL when a column cannot be represented
	if err := typemap.Check(table, r.warehouse.Mapper()); err != nil {
		return err
	}

	start := time.Now()
	if err := r.warehouse.EnsureTable(ctx, table); err != nil {
		return err
	}
	r.metrics.ObserveStage("ensuring", start)

	logger.Info("Exporting")
	start = time.Now()
	artifact, err := r.exporter.Export(ctx, table)
	if err != nil {
		return err
	}
	r.metrics.ObserveStage("exporting", start)
	r.metrics.Exported(table.TargetName, artifact.Rows, artifact.Bytes)

	logger.Info("Importing", zap.Int64("rows", artifact.Rows))
	start = time.Now()
	if err = r.warehouse.Import(ctx, table); err != nil {
		return err
	}
	r.metrics.ObserveStage("importing", start)
	logger.Info("Table replicated", zap.Int64("rows", artifact.Rows), zap.Int64("bytes", artifact.Bytes))
	return nil
}

func (r *Replicator) runHook(ctx context.Context, runner ScriptRunner, path, name string) error {
	if path == "" {
		return nil
	}
	if _, err := runner.RunScript(ctx, path); err != nil {
		return errors.Wrap(err, name+" hook failed")
	}
	return nil
}

func filterOnly(tables []ds.Table, only []string) ([]ds.Table, error) {
	if len(only) == 0 {
		return tables, nil
	}
	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[name] = true
	}
	var kept []ds.Table
	for _, table := range tables {
		if wanted[table.Name] {
			kept = append(kept, table)
			delete(wanted, table.Name)
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for _, name := range only {
			if wanted[name] {
				missing = append(missing, name)
			}
		}
		return nil, errors.Errorf("tables not found or excluded: %s", strings.Join(missing, ", "))
	}
	return kept, nil
}
