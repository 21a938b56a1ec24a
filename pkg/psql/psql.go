package psql

import (
	"context"
	"os"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/syncerr"
)

// SystemTablePrefix marks PostgreSQL system tables, which are never replicated.
const SystemTablePrefix = "pg_"

// DefaultDenyList holds tables that are known not to be worth replicating.
var DefaultDenyList = []string{
	"events",
	"versions",
	"stripe_webhooks",
	"string_versions",
	"work_items_backup",
}

// Querier is satisfied by *pgx.Conn.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Execer is satisfied by *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

// Connect opens the source connection. The whole session is read only.
func Connect(ctx context.Context, uri string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, uri)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open source database connection")
	}
	if _, err = conn.Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY"); err != nil {
		_ = conn.Close(context.Background())
		return nil, errors.Wrap(err, "unable to make source session read only")
	}
	return conn, nil
}

// Catalog discovers the tables and columns to replicate.
type Catalog struct {
	conn        Querier
	schema      string
	deny        map[string]bool
	targetNames map[string]string
}

// NewCatalog builds a Catalog for one source schema. targetNames remaps
// source table names to warehouse table names; unmapped tables keep their
// name.
func NewCatalog(conn Querier, schema string, deny []string, targetNames map[string]string) *Catalog {
	denySet := make(map[string]bool, len(deny))
	for _, name := range deny {
		denySet[strings.TrimSpace(name)] = true
	}
	return &Catalog{
		conn:        conn,
		schema:      schema,
		deny:        denySet,
		targetNames: targetNames,
	}
}

// Skip reports whether a table is excluded from replication.
func (c *Catalog) Skip(tableName string) bool {
	return strings.HasPrefix(tableName, SystemTablePrefix) || c.deny[tableName]
}

// ListTables returns the replicable base tables of the schema, without columns.
func (c *Catalog) ListTables(ctx context.Context) ([]ds.Table, error) {
	rows, err := c.conn.Query(ctx, `SELECT table_name::text
FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`, c.schema)
	if err != nil {
		return nil, &syncerr.SchemaQueryError{Err: errors.Wrap(err, "unable to query tables of schema "+c.schema)}
	}
	defer rows.Close()

	var tables []ds.Table
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, &syncerr.SchemaQueryError{Err: errors.Wrap(err, "unable to scan table name")}
		}
		if c.Skip(name) {
			continue
		}
		target := name
		if mapped, ok := c.targetNames[name]; ok && mapped != "" {
			target = mapped
		}
		tables = append(tables, ds.Table{Name: name, TargetName: target})
	}
	if err = rows.Err(); err != nil {
		return nil, &syncerr.SchemaQueryError{Err: errors.Wrap(err, "unable to read tables of schema "+c.schema)}
	}
	return tables, nil
}

// ColumnsFor returns the columns of a table in ordinal order.
func (c *Catalog) ColumnsFor(ctx context.Context, table ds.Table) ([]ds.Column, error) {
	rows, err := c.conn.Query(ctx, `SELECT column_name::text,
       data_type::text,
       character_maximum_length::int,
       numeric_precision::int,
       numeric_scale::int
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, c.schema, table.Name)
	if err != nil {
		return nil, &syncerr.SchemaQueryError{Table: table.Name, Err: errors.Wrap(err, "unable to query columns")}
	}
	defer rows.Close()

	var columns []ds.Column
	for rows.Next() {
		var col ds.Column
		err = rows.Scan(
			&col.Name,
			&col.DataType,
			&col.CharacterMaximumLength,
			&col.NumericPrecision,
			&col.NumericScale,
		)
		if err != nil {
			return nil, &syncerr.SchemaQueryError{Table: table.Name, Err: errors.Wrap(err, "unable to scan column")}
		}
		columns = append(columns, col)
	}
	if err = rows.Err(); err != nil {
		return nil, &syncerr.SchemaQueryError{Table: table.Name, Err: errors.Wrap(err, "unable to read columns")}
	}
	if len(columns) == 0 {
		return nil, &syncerr.SchemaQueryError{Table: table.Name, Err: errors.New("table has no columns")}
	}
	return columns, nil
}

// Discover lists the tables and attaches their columns. The schema is read
// fresh on every call.
func (c *Catalog) Discover(ctx context.Context, logger *zap.Logger) ([]ds.Table, error) {
	tables, err := c.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tables {
		logger.Debug("discovering columns", zap.String("table", tables[i].Name))
		tables[i].Columns, err = c.ColumnsFor(ctx, tables[i])
		if err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// RunScript executes a SQL file verbatim. A missing file is skipped and
// reported as not run.
func RunScript(ctx context.Context, logger *zap.Logger, conn Execer, path string) (bool, error) {
	script, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("No hook script found - skipping", zap.String("path", path))
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "Unable to read hook script "+path)
	}
	logger.Info("Running hook script", zap.String("path", path))
	tag, err := conn.Exec(ctx, string(script))
	if err != nil {
		return true, errors.Wrap(err, "Unable to run hook script "+path)
	}
	logger.Info("Hook script finished", zap.String("path", path), zap.String("result", tag.String()))
	return true, nil
}

// ScriptRunner runs hook scripts against the source.
type ScriptRunner struct {
	conn   Execer
	logger *zap.Logger
}

// NewScriptRunner binds RunScript to a connection.
func NewScriptRunner(conn Execer, logger *zap.Logger) *ScriptRunner {
	return &ScriptRunner{conn: conn, logger: logger}
}

// RunScript runs the hook script at path, if present.
func (s *ScriptRunner) RunScript(ctx context.Context, path string) (bool, error) {
	return RunScript(ctx, s.logger, s.conn, path)
}
