// Package redshift creates warehouse tables and swaps freshly exported data
// into them.
package redshift

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/compress"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/psql"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/syncerr"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/typemap"
)

// Import steps reported in syncerr.ImportError.
const (
	StepDropStale    = "dropping stale updating table"
	StepBegin        = "beginning transaction"
	StepCheck        = "checking live table"
	StepRename       = "renaming live table"
	StepCreate       = "creating table"
	StepCopy         = "loading"
	StepDropUpdating = "dropping previous table"
	StepCommit       = "committing"
)

// DefaultRegion is where the export bucket lives unless configured.
const DefaultRegion = "us-west-2"

// Conn is satisfied by *pgx.Conn.
type Conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

// Locator finds the object store URI of a table's export chunks.
// *objstore.Uploader satisfies it.
type Locator interface {
	PrefixURI(table ds.Table, ext string) string
}

// Options configure how the warehouse reads the bucket.
type Options struct {
	Schema          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// IAMRole replaces the access keys when set.
	IAMRole string
	// Codec is the compress codec of the export files.
	Codec string
	// Ext is the full extension of the export files, e.g. "psv.gz".
	Ext string
}

// Importer owns the warehouse connection for a run.
type Importer struct {
	conn    Conn
	locator Locator
	opts    Options
	logger  *zap.Logger
}

// Connect opens the warehouse connection. Redshift does not support the
// extended protocol's describe step, so only the simple protocol is used.
func Connect(ctx context.Context, uri string) (*pgx.Conn, error) {
	config, err := pgx.ParseConfig(uri)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse target database uri")
	}
	config.PreferSimpleProtocol = true
	conn, err := pgx.ConnectConfig(ctx, config)
	return conn, errors.Wrap(err, "unable to open target database connection")
}

// New returns an Importer.
func New(conn Conn, locator Locator, opts Options, logger *zap.Logger) *Importer {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	return &Importer{conn: conn, locator: locator, opts: opts, logger: logger}
}

// Mapper maps source columns to Redshift types.
func (i *Importer) Mapper() typemap.Mapper {
	return typemap.Redshift
}

// EnsureTable creates the live table if it does not exist yet.
func (i *Importer) EnsureTable(ctx context.Context, table ds.Table) error {
	columns, err := typemap.ColumnsForCreate(table, typemap.Redshift)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", i.target(table), columns)
	if _, err = i.conn.Exec(ctx, sql); err != nil {
		return &syncerr.ImportError{Table: table.Name, Step: StepCreate, Err: err}
	}
	return nil
}

// Import replaces the live table with the uploaded export in one
// transaction. Readers see either the old or the new table. The swap is not
// cancelled once started; on failure it is rolled back and the live table
// is left untouched.
func (i *Importer) Import(ctx context.Context, table ds.Table) (err error) {
	ctx = context.WithoutCancel(ctx)
	columns, err := typemap.ColumnsForCreate(table, typemap.Redshift)
	if err != nil {
		return err
	}
	updating := ds.QualifiedName(i.opts.Schema, table.UpdatingName())

	i.logger.Info("Dropping stale table", zap.String("table", updating))
	if _, err = i.conn.Exec(ctx, "DROP TABLE IF EXISTS "+updating); err != nil {
		return i.importErr(table, StepDropStale, err)
	}

	tx, err := i.conn.Begin(ctx)
	if err != nil {
		return i.importErr(table, StepBegin, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			i.logger.Error("Unable to roll back import", zap.String("table", table.TargetName), zap.Error(rbErr))
		}
	}()

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (
    SELECT 1 FROM information_schema.tables
    WHERE table_schema = $1 AND table_name = $2
)`, i.opts.Schema, table.TargetName).Scan(&exists)
	if err != nil {
		return i.importErr(table, StepCheck, err)
	}

	if exists {
		rename := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", i.target(table), ds.QuoteIdent(table.UpdatingName()))
		if _, err = tx.Exec(ctx, rename); err != nil {
			return i.importErr(table, StepRename, err)
		}
	}

	if _, err = tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", i.target(table), columns)); err != nil {
		return i.importErr(table, StepCreate, err)
	}

	i.logger.Info("Importing", zap.String("table", table.TargetName), zap.String("copy", i.CopySQL(table, true)))
	if _, err = tx.Exec(ctx, i.CopySQL(table, false)); err != nil {
		return i.importErr(table, StepCopy, err)
	}

	if exists {
		if _, err = tx.Exec(ctx, "DROP TABLE "+updating); err != nil {
			return i.importErr(table, StepDropUpdating, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return i.importErr(table, StepCommit, err)
	}
	return nil
}

// CopySQL is the bulk load statement for a table. With redact set the
// secret key is masked so the statement can be logged.
func (i *Importer) CopySQL(table ds.Table, redact bool) string {
	parts := []string{
		fmt.Sprintf("COPY %s (%s)", i.target(table), table.QuotedColumnList()),
		"FROM " + quoteLiteral(i.locator.PrefixURI(table, i.opts.Ext)),
		i.authClause(redact),
	}
	if option := codecOption(i.opts.Codec); option != "" {
		parts = append(parts, option)
	}
	parts = append(parts,
		"TRUNCATECOLUMNS ESCAPE DELIMITER AS '|'",
		"REGION "+quoteLiteral(i.opts.Region),
	)
	return strings.Join(parts, " ")
}

// RunScript runs a hook script against the warehouse.
func (i *Importer) RunScript(ctx context.Context, path string) (bool, error) {
	return psql.RunScript(ctx, i.logger, i.conn, path)
}

func (i *Importer) authClause(redact bool) string {
	if i.opts.IAMRole != "" {
		return "IAM_ROLE " + quoteLiteral(i.opts.IAMRole)
	}
	secret := i.opts.SecretAccessKey
	if redact {
		secret = "***"
	}
	return "CREDENTIALS " + quoteLiteral(fmt.Sprintf(
		"aws_access_key_id=%s;aws_secret_access_key=%s", i.opts.AccessKeyID, secret))
}

func codecOption(codec string) string {
	switch codec {
	case compress.Gzip:
		return "GZIP"
	case compress.Bzip2:
		return "BZIP2"
	case compress.Zstd:
		return "ZSTD"
	}
	return ""
}

func (i *Importer) target(table ds.Table) string {
	return ds.QualifiedName(i.opts.Schema, table.TargetName)
}

func (i *Importer) importErr(table ds.Table, step string, err error) error {
	return &syncerr.ImportError{Table: table.Name, Step: step, Err: err}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
