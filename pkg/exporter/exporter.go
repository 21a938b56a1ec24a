// Package exporter unloads a source table to a compressed local file and
// hands it to the object store.
package exporter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgconn"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/compress"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/csvscan"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/syncerr"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/typemap"
)

// Export steps reported in syncerr.ExportError.
const (
	StepTempFile = "creating temp file"
	StepCopy     = "copying from source"
	StepCompress = "compressing"
	StepChmod    = "setting permissions"
)

// Copier streams COPY ... TO STDOUT output. *pgconn.PgConn satisfies it.
type Copier interface {
	CopyTo(ctx context.Context, w io.Writer, sql string) (pgconn.CommandTag, error)
}

// Uploader is the object store side of an export. *objstore.Uploader
// satisfies it.
type Uploader interface {
	Clear(ctx context.Context, table ds.Table, ext string) error
	Upload(ctx context.Context, artifact ds.ExportArtifact, ext string) error
}

// RewriteFunc converts the raw COPY stream before it is written to disk and
// returns the number of rows it wrote.
type RewriteFunc func(logger *zap.Logger, r io.Reader, w io.Writer, table ds.Table) (int64, error)

// Format is the encoding of an export file.
type Format struct {
	// Extension names the uncompressed file type, e.g. "psv".
	Extension string
	// Options follow TO STDOUT in the COPY statement.
	Options string
	// Rewrite, when set, runs on every row.
	Rewrite RewriteFunc
	// ClampInfinity replaces ±infinity dates and timestamps in the query.
	ClampInfinity bool
}

// Text is PostgreSQL's text format with a pipe delimiter and backslash
// escapes, as read by Redshift's COPY ... ESCAPE DELIMITER '|'.
var Text = Format{
	Extension:     "psv",
	Options:       "WITH (FORMAT text, DELIMITER '|')",
	ClampInfinity: true,
}

// CSV is pipe delimited CSV rewritten for BigQuery load jobs. NULL is
// written as csvscan.NullMarker so empty strings survive the rewrite.
var CSV = Format{
	Extension: "csv",
	Options:   fmt.Sprintf("WITH (FORMAT csv, DELIMITER '|', NULL '%s')", csvscan.NullMarker),
	Rewrite:   csvscan.CSVScanner,
}

// Exporter exports one table at a time over a single source connection.
type Exporter struct {
	conn       Copier
	uploader   Uploader
	compressor compress.Compressor
	format     Format
	schema     string
	scratchDir string
	logger     *zap.Logger
}

// New returns an Exporter. An empty scratchDir means os.TempDir().
func New(
	conn Copier,
	uploader Uploader,
	compressor compress.Compressor,
	format Format,
	schema string,
	scratchDir string,
	logger *zap.Logger,
) *Exporter {
	return &Exporter{
		conn:       conn,
		uploader:   uploader,
		compressor: compressor,
		format:     format,
		schema:     schema,
		scratchDir: scratchDir,
		logger:     logger,
	}
}

// Extension is the full extension of uploaded files, e.g. "psv.gz".
func (e *Exporter) Extension() string {
	return e.format.Extension + e.compressor.Extension()
}

// CopySQL is the unload statement for a table.
func (e *Exporter) CopySQL(table ds.Table) string {
	return fmt.Sprintf(
		"COPY (SELECT %s FROM %s) TO STDOUT %s",
		typemap.ColumnsForSelect(table, e.format.ClampInfinity),
		ds.QualifiedName(e.schema, table.Name),
		e.format.Options,
	)
}

// Export clears the table's previous objects, unloads the table,
// compresses and uploads it. Local files are removed on every return path.
func (e *Exporter) Export(ctx context.Context, table ds.Table) (ds.ExportArtifact, error) {
	artifact := ds.ExportArtifact{Table: table, Chunk: 1}
	ext := e.Extension()

	if err := e.uploader.Clear(ctx, table, ext); err != nil {
		return artifact, err
	}

	file, err := os.CreateTemp(e.scratchDir, table.TargetName+"-*."+e.format.Extension)
	if err != nil {
		return artifact, e.exportErr(table, StepTempFile, err)
	}
	tmpPath := file.Name()
	defer e.removeFile(tmpPath)

	e.logger.Info("Exporting", zap.String("table", table.Name), zap.String("file", tmpPath))
	rows, err := e.copyOut(ctx, file, table)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = errors.Wrap(closeErr, "Unable to close "+tmpPath)
	}
	if err != nil {
		return artifact, e.exportErr(table, StepCopy, err)
	}
	artifact.Rows = rows
	e.logger.Info(fmt.Sprint("==> export rows affected:", rows), zap.String("table", table.Name))

	compressed, err := e.compressor.Compress(ctx, tmpPath)
	if err != nil {
		return artifact, e.exportErr(table, StepCompress, err)
	}
	if compressed != tmpPath {
		defer e.removeFile(compressed)
	}
	if err = os.Chmod(compressed, 0o644); err != nil {
		return artifact, e.exportErr(table, StepChmod, err)
	}
	info, err := os.Stat(compressed)
	if err != nil {
		return artifact, e.exportErr(table, StepCompress, err)
	}
	artifact.Path = compressed
	artifact.Bytes = info.Size()

	if err = e.uploader.Upload(ctx, artifact, ext); err != nil {
		return artifact, err
	}
	return artifact, nil
}

// copyOut writes the COPY stream of a table to w. With a rewriter the COPY
// and the rewrite run concurrently over a pipe.
func (e *Exporter) copyOut(ctx context.Context, w io.Writer, table ds.Table) (int64, error) {
	copySQL := e.CopySQL(table)
	e.logger.Debug(fmt.Sprint("Running:", copySQL))
	buffered := bufio.NewWriterSize(w, 1<<20)

	if e.format.Rewrite == nil {
		tag, err := e.conn.CopyTo(ctx, buffered, copySQL)
		if err != nil {
			return 0, errors.Wrap(err, "error exporting file")
		}
		return tag.RowsAffected(), errors.Wrap(buffered.Flush(), "Unable to flush export file")
	}

	pipeReader, pipeWriter := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.conn.CopyTo(gctx, pipeWriter, copySQL)
		// a nil error closes the pipe with io.EOF
		_ = pipeWriter.CloseWithError(err)
		return errors.Wrap(err, "error exporting file")
	})
	var rows int64
	g.Go(func() error {
		n, err := e.format.Rewrite(e.logger, pipeReader, buffered, table)
		rows = n
		_ = pipeReader.CloseWithError(err)
		return errors.Wrap(err, "Unable to rewrite export rows")
	})
	if err := g.Wait(); err != nil {
		return rows, err
	}
	return rows, errors.Wrap(buffered.Flush(), "Unable to flush export file")
}

func (e *Exporter) exportErr(table ds.Table, step string, err error) error {
	return &syncerr.ExportError{Table: table.Name, Step: step, Err: err}
}

func (e *Exporter) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("Unable to remove export file", zap.String("path", path), zap.Error(err))
		return
	}
	e.logger.Debug("resource file was removed", zap.String("fileName", path))
}
