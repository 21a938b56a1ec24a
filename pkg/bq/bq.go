// Package bq is the BigQuery warehouse. A table is replaced by loading the
// export into a staging table and copying it over the live table with
// WRITE_TRUNCATE, which BigQuery applies atomically.
package bq

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/bigquery"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/compress"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/csvscan"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/syncerr"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/typemap"
)

// Import steps reported in syncerr.ImportError.
const (
	StepDropStale   = "dropping stale staging table"
	StepLoad        = "loading staging table"
	StepCopy        = "replacing live table"
	StepDropStaging = "dropping staging table"
	StepCreate      = "creating table"
)

// Locator finds the object store URI of a table's export chunks.
type Locator interface {
	PrefixURI(table ds.Table, ext string) string
}

// Options select the dataset and describe the export files.
type Options struct {
	Dataset string
	// Codec is the compress codec of the export files.
	Codec string
	// Ext is the full extension of the export files, e.g. "csv.gz".
	Ext string
}

// tableAPI is the BigQuery traffic of an Importer.
type tableAPI interface {
	Metadata(ctx context.Context, table *bigquery.Table) (*bigquery.TableMetadata, error)
	Create(ctx context.Context, table *bigquery.Table, md *bigquery.TableMetadata) error
	Delete(ctx context.Context, table *bigquery.Table) error
	// Run starts a load, copy or query job and waits for it.
	Run(ctx context.Context, job jobRunner) error
}

type remoteAPI struct{}

func (remoteAPI) Metadata(ctx context.Context, table *bigquery.Table) (*bigquery.TableMetadata, error) {
	return table.Metadata(ctx)
}

func (remoteAPI) Create(ctx context.Context, table *bigquery.Table, md *bigquery.TableMetadata) error {
	return table.Create(ctx, md)
}

func (remoteAPI) Delete(ctx context.Context, table *bigquery.Table) error {
	return table.Delete(ctx)
}

func (remoteAPI) Run(ctx context.Context, job jobRunner) error {
	return runJob(ctx, job)
}

// Importer loads exports into one dataset.
type Importer struct {
	client  *bigquery.Client
	dataset *bigquery.Dataset
	api     tableAPI
	locator Locator
	opts    Options
	logger  *zap.Logger
}

// New returns an Importer for opts.Dataset.
func New(client *bigquery.Client, locator Locator, opts Options, logger *zap.Logger) *Importer {
	return &Importer{
		client:  client,
		dataset: client.Dataset(opts.Dataset),
		api:     remoteAPI{},
		locator: locator,
		opts:    opts,
		logger:  logger,
	}
}

// Mapper maps source columns to BigQuery field types.
func (i *Importer) Mapper() typemap.Mapper {
	return typemap.BigQuery
}

// Schema is the BigQuery schema of a table, in column order.
func Schema(table ds.Table) (bigquery.Schema, error) {
	schema := make(bigquery.Schema, 0, len(table.Columns))
	for _, col := range table.Columns {
		bqType, err := typemap.BigQuery(col)
		if err != nil {
			if unsupported, ok := err.(*typemap.UnsupportedTypeError); ok {
				unsupported.Table = table.Name
			}
			return nil, err
		}
		schema = append(schema, &bigquery.FieldSchema{
			Name: col.Name,
			Type: bigquery.FieldType(bqType),
		})
	}
	return schema, nil
}

// EnsureTable creates the live table if it does not exist yet.
func (i *Importer) EnsureTable(ctx context.Context, table ds.Table) error {
	schema, err := Schema(table)
	if err != nil {
		return err
	}
	live := i.dataset.Table(table.TargetName)
	_, err = i.api.Metadata(ctx, live)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return &syncerr.ImportError{Table: table.Name, Step: StepCreate, Err: errors.Wrap(err, "Unable to read table metadata")}
	}
	i.logger.Info("Creating table", zap.String("dataset", i.opts.Dataset), zap.String("table", table.TargetName))
	err = i.api.Create(ctx, live, &bigquery.TableMetadata{Schema: schema})
	if err != nil && !isConflict(err) {
		return &syncerr.ImportError{Table: table.Name, Step: StepCreate, Err: err}
	}
	return nil
}

// Import replaces the live table with the uploaded export. The swap is not
// cancelled once started.
func (i *Importer) Import(ctx context.Context, table ds.Table) error {
	ctx = context.WithoutCancel(ctx)
	gcsRef, err := i.GCSReference(table)
	if err != nil {
		return err
	}
	staging := i.dataset.Table(table.UpdatingName())

	if err = i.deleteIfExists(ctx, staging); err != nil {
		return &syncerr.ImportError{Table: table.Name, Step: StepDropStale, Err: err}
	}

	i.logger.Info("Loading", zap.String("table", table.TargetName), zap.Strings("uris", gcsRef.URIs))
	loader := staging.LoaderFrom(gcsRef)
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.WriteDisposition = bigquery.WriteTruncate
	if err = i.api.Run(ctx, loader); err != nil {
		return &syncerr.ImportError{Table: table.Name, Step: StepLoad, Err: errors.Wrap(err, "BQ CSV load failed")}
	}

	copier := i.dataset.Table(table.TargetName).CopierFrom(staging)
	copier.CreateDisposition = bigquery.CreateIfNeeded
	copier.WriteDisposition = bigquery.WriteTruncate
	if err = i.api.Run(ctx, copier); err != nil {
		return &syncerr.ImportError{Table: table.Name, Step: StepCopy, Err: errors.Wrap(err, "BQ table copy failed")}
	}

	if err = i.deleteIfExists(ctx, staging); err != nil {
		return &syncerr.ImportError{Table: table.Name, Step: StepDropStaging, Err: err}
	}
	return nil
}

// GCSReference describes the export chunks of a table as a load source.
func (i *Importer) GCSReference(table ds.Table) (*bigquery.GCSReference, error) {
	schema, err := Schema(table)
	if err != nil {
		return nil, err
	}
	gcsRef := bigquery.NewGCSReference(i.locator.PrefixURI(table, i.opts.Ext) + ".*")
	gcsRef.SourceFormat = bigquery.CSV
	gcsRef.FieldDelimiter = string(csvscan.Delimiter)
	gcsRef.AllowJaggedRows = true
	gcsRef.NullMarker = csvscan.NullMarker
	gcsRef.Schema = schema
	gcsRef.Compression = bigquery.None
	if i.opts.Codec == compress.Gzip {
		gcsRef.Compression = bigquery.Gzip
	}
	return gcsRef, nil
}

// RunScript runs a hook script as a BigQuery script job. A missing file is
// skipped and reported as not run.
func (i *Importer) RunScript(ctx context.Context, path string) (bool, error) {
	script, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		i.logger.Info("No hook script found - skipping", zap.String("path", path))
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "Unable to read hook script "+path)
	}
	i.logger.Info("Running hook script", zap.String("path", path))
	q := i.client.Query(string(script))
	q.DefaultDatasetID = i.opts.Dataset
	if err = i.api.Run(ctx, q); err != nil {
		return true, errors.Wrap(err, "Unable to run hook script "+path)
	}
	return true, nil
}

type jobRunner interface {
	Run(ctx context.Context) (*bigquery.Job, error)
}

func runJob(ctx context.Context, runner jobRunner) error {
	job, err := runner.Run(ctx)
	if err != nil {
		return errors.Wrap(err, "Unable to start job")
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("Unable to wait for job %s", job.ID()))
	}
	if status != nil && status.Err() != nil {
		return errors.Wrap(status.Err(), fmt.Sprintf("job %s completed with error", job.ID()))
	}
	return nil
}

func (i *Importer) deleteIfExists(ctx context.Context, table *bigquery.Table) error {
	err := i.api.Delete(ctx, table)
	if err != nil && !isNotFound(err) {
		return errors.Wrap(err, "Unable to delete table "+table.TableID)
	}
	return nil
}

func isNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func isConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
