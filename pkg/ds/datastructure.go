// Package ds provides general datastructures of general use
package ds

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
)

// updatingSuffix names the previous generation of a table while it is
// being replaced.
const updatingSuffix = "_updating"

// Column is one column of a source table, as reported by
// information_schema.columns.
type Column struct {
	Name                   string
	DataType               string
	CharacterMaximumLength *int
	NumericPrecision       *int
	NumericScale           *int
}

// Table is a source base table selected for replication. Columns are in
// ordinal order and that order is used by every statement touching the
// table, since the bulk load is positional.
type Table struct {
	Name       string
	TargetName string
	Columns    []Column
}

func (t Table) String() string {
	if t.TargetName == t.Name {
		return t.Name
	}
	return t.Name + " -> " + t.TargetName
}

// UpdatingName is the name the live table is renamed to during a swap.
func (t Table) UpdatingName() string {
	return t.TargetName + updatingSuffix
}

// ColumnNames returns the column names in ordinal order.
func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

// QuotedColumnList returns the column names quoted as identifiers and joined
// with ", " in ordinal order.
func (t Table) QuotedColumnList() string {
	quoted := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		quoted = append(quoted, QuoteIdent(c.Name))
	}
	return strings.Join(quoted, ", ")
}

// QuoteIdent quotes a single SQL identifier.
func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// QualifiedName quotes schema and table as schema.table.
func QualifiedName(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// ExportArtifact is a compressed export file waiting to be uploaded.
// Chunk is always 1; it is kept so a table can later be split into
// several uploads without changing the object layout.
type ExportArtifact struct {
	Table Table
	Path  string
	Chunk int
	Rows  int64
	Bytes int64
}

// ObjectPrefix is the object store prefix holding every chunk of a table,
// e.g. export/users.psv.gz
func ObjectPrefix(keyPrefix, targetName, ext string) string {
	return fmt.Sprintf("%s/%s.%s", strings.TrimSuffix(keyPrefix, "/"), targetName, ext)
}

// ObjectKey is the key of one chunk, e.g. export/users.psv.gz.1
func ObjectKey(keyPrefix, targetName, ext string, chunk int) string {
	return fmt.Sprintf("%s.%d", ObjectPrefix(keyPrefix, targetName, ext), chunk)
}
