// Package typemap translates PostgreSQL column types into warehouse DDL
// types. Every supported source type is listed explicitly; anything else is
// an UnsupportedTypeError, never a guess.
package typemap

import (
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
)

const (
	// redshiftMaxVarchar is the widest VARCHAR Redshift accepts, in bytes.
	redshiftMaxVarchar = 65535
	// redshiftMaxPrecision is the widest DECIMAL Redshift accepts.
	redshiftMaxPrecision = 38
	// utf8MaxBytes sizes Redshift VARCHARs, which count bytes, from
	// PostgreSQL lengths, which count characters.
	utf8MaxBytes = 4

	// NUMERIC holds 29 integer digits and 9 fractional digits.
	bigQueryNumericIntegerDigits = 29
	bigQueryNumericScale         = 9
)

// Mapper returns the warehouse column type for a source column.
type Mapper func(col ds.Column) (string, error)

// UnsupportedTypeError is returned for a source type outside the allow-list.
type UnsupportedTypeError struct {
	Table    string
	Column   string
	DataType string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("unsupported data type %q for column %s", e.DataType, e.Column)
	}
	return fmt.Sprintf("unsupported data type %q for column %s.%s", e.DataType, e.Table, e.Column)
}

// sanitiserFunc renders length, precision and scale into a DDL type.
type sanitiserFunc func(col ds.Column) string

func fixed(ddl string) sanitiserFunc {
	return func(ds.Column) string { return ddl }
}

// bounded renders name(n) from the column's character length times
// bytesPerChar, capped at the widest Redshift string.
func bounded(name string, fallback, bytesPerChar int) sanitiserFunc {
	return func(col ds.Column) string {
		n := fallback
		if col.CharacterMaximumLength != nil && *col.CharacterMaximumLength > 0 {
			n = *col.CharacterMaximumLength * bytesPerChar
		}
		if n > redshiftMaxVarchar {
			n = redshiftMaxVarchar
		}
		return fmt.Sprintf("%s(%d)", name, n)
	}
}

func redshiftDecimal(col ds.Column) string {
	if col.NumericPrecision == nil || col.NumericScale == nil {
		return "NUMERIC"
	}
	p, s := *col.NumericPrecision, *col.NumericScale
	if p <= 0 || p > redshiftMaxPrecision || s < 0 || s > p {
		return "NUMERIC"
	}
	return fmt.Sprintf("DECIMAL(%d,%d)", p, s)
}

func bigQueryNumeric(col ds.Column) string {
	if col.NumericPrecision == nil || col.NumericScale == nil {
		return string(bigquery.BigNumericFieldType)
	}
	if *col.NumericPrecision-*col.NumericScale <= bigQueryNumericIntegerDigits &&
		*col.NumericScale <= bigQueryNumericScale {
		return string(bigquery.NumericFieldType)
	}
	return string(bigquery.BigNumericFieldType)
}

// redshiftTypes is keyed by information_schema.columns.data_type.
var redshiftTypes = map[string]sanitiserFunc{
	"character varying":           bounded("VARCHAR", redshiftMaxVarchar, utf8MaxBytes),
	"character":                   bounded("CHAR", 1, 1), // CHAR is single byte only
	"text":                        fixed("VARCHAR(65535)"),
	"json":                        fixed("VARCHAR(65535)"),
	"jsonb":                       fixed("VARCHAR(65535)"),
	"bytea":                       fixed("VARCHAR(65535)"),
	"uuid":                        fixed("CHAR(36)"),
	"inet":                        fixed("VARCHAR(43)"),
	"cidr":                        fixed("VARCHAR(43)"),
	"macaddr":                     fixed("VARCHAR(17)"),
	"numeric":                     redshiftDecimal,
	"money":                       fixed("DECIMAL(19,2)"),
	"smallint":                    fixed("SMALLINT"),
	"integer":                     fixed("INTEGER"),
	"bigint":                      fixed("BIGINT"),
	"oid":                         fixed("BIGINT"),
	"real":                        fixed("REAL"),
	"double precision":            fixed("DOUBLE PRECISION"),
	"boolean":                     fixed("BOOLEAN"),
	"date":                        fixed("DATE"),
	"timestamp without time zone": fixed("TIMESTAMP"),
	"timestamp with time zone":    fixed("TIMESTAMPTZ"),
	"time without time zone":      fixed("TIME"),
	"time with time zone":         fixed("TIMETZ"),
	"interval":                    fixed("VARCHAR(65535)"),
	// enums, citext and other extension types, and arrays load as their
	// text output
	"user-defined": fixed("VARCHAR(65535)"),
	"array":        fixed("VARCHAR(65535)"),
}

// bigQueryTypes is keyed by information_schema.columns.data_type.
var bigQueryTypes = map[string]sanitiserFunc{
	"character varying":           fixed(string(bigquery.StringFieldType)),
	"character":                   fixed(string(bigquery.StringFieldType)),
	"text":                        fixed(string(bigquery.StringFieldType)),
	"json":                        fixed(string(bigquery.JSONFieldType)),
	"jsonb":                       fixed(string(bigquery.JSONFieldType)),
	"bytea":                       fixed(string(bigquery.StringFieldType)), // exported as \x hex text
	"uuid":                        fixed(string(bigquery.StringFieldType)),
	"inet":                        fixed(string(bigquery.StringFieldType)),
	"cidr":                        fixed(string(bigquery.StringFieldType)),
	"macaddr":                     fixed(string(bigquery.StringFieldType)),
	"numeric":                     bigQueryNumeric,
	"money":                       fixed(string(bigquery.NumericFieldType)),
	"smallint":                    fixed(string(bigquery.IntegerFieldType)),
	"integer":                     fixed(string(bigquery.IntegerFieldType)),
	"bigint":                      fixed(string(bigquery.IntegerFieldType)),
	"oid":                         fixed(string(bigquery.IntegerFieldType)),
	"real":                        fixed(string(bigquery.FloatFieldType)),
	"double precision":            fixed(string(bigquery.FloatFieldType)),
	"boolean":                     fixed(string(bigquery.BooleanFieldType)),
	"date":                        fixed(string(bigquery.DateFieldType)),
	"timestamp without time zone": fixed(string(bigquery.DateTimeFieldType)), // no exact match for psql
	"timestamp with time zone":    fixed(string(bigquery.TimestampFieldType)),
	"time without time zone":      fixed(string(bigquery.TimeFieldType)),
	"interval":                    fixed(string(bigquery.StringFieldType)),
	"user-defined":                fixed(string(bigquery.StringFieldType)),
	"array":                       fixed(string(bigquery.StringFieldType)),
}

// castForExport lists types whose text output the warehouses cannot read
// as-is, with the type to cast them to in the export SELECT.
var castForExport = map[string]string{
	"money": "numeric",
}

func lookup(types map[string]sanitiserFunc, col ds.Column) (string, error) {
	fn, ok := types[strings.ToLower(col.DataType)]
	if !ok {
		return "", &UnsupportedTypeError{Column: col.Name, DataType: col.DataType}
	}
	return fn(col), nil
}

// Redshift maps a column to its Redshift DDL type.
func Redshift(col ds.Column) (string, error) {
	return lookup(redshiftTypes, col)
}

// BigQuery maps a column to a BigQuery field type name.
func BigQuery(col ds.Column) (string, error) {
	return lookup(bigQueryTypes, col)
}

// ColumnsForCreate renders the column list of a CREATE TABLE statement in
// ordinal order. Nothing is returned unless every column maps.
func ColumnsForCreate(table ds.Table, mapper Mapper) (string, error) {
	defs := make([]string, 0, len(table.Columns))
	for _, col := range table.Columns {
		ddlType, err := mapper(col)
		if err != nil {
			if unsupported, ok := err.(*UnsupportedTypeError); ok {
				unsupported.Table = table.Name
			}
			return "", err
		}
		defs = append(defs, ds.QuoteIdent(col.Name)+" "+ddlType)
	}
	return strings.Join(defs, ", "), nil
}

// Check maps every column and returns the first failure.
func Check(table ds.Table, mapper Mapper) error {
	_, err := ColumnsForCreate(table, mapper)
	return err
}

// Finite stand-ins for ±infinity, inside the range of both warehouses.
// The timestamptz minimum stays AD in every session time zone.
var infinityBounds = map[string][2]string{
	"date":                        {"DATE '0001-01-01'", "DATE '9999-12-31'"},
	"timestamp without time zone": {"TIMESTAMP '0001-01-01 00:00:00'", "TIMESTAMP '9999-12-31 23:59:59.999999'"},
	"timestamp with time zone":    {"TIMESTAMPTZ '0001-01-02 00:00:00+00'", "TIMESTAMPTZ '9999-12-31 23:59:59.999999+00'"},
}

// ColumnsForSelect renders the select list of the export query, casting
// the columns listed in castForExport and keeping ordinal order. With
// clampInfinity, ±infinity dates and timestamps are replaced by the
// earliest and latest finite values.
func ColumnsForSelect(table ds.Table, clampInfinity bool) string {
	exprs := make([]string, 0, len(table.Columns))
	for _, col := range table.Columns {
		quoted := ds.QuoteIdent(col.Name)
		dataType := strings.ToLower(col.DataType)
		if cast, ok := castForExport[dataType]; ok {
			exprs = append(exprs, fmt.Sprintf("CAST(%s AS %s) AS %s", quoted, cast, quoted))
			continue
		}
		if bounds, ok := infinityBounds[dataType]; ok && clampInfinity {
			exprs = append(exprs, fmt.Sprintf(
				"CASE WHEN %[1]s = '-infinity' THEN %[2]s WHEN %[1]s = 'infinity' THEN %[3]s ELSE %[1]s END AS %[1]s",
				quoted, bounds[0], bounds[1]))
			continue
		}
		exprs = append(exprs, quoted)
	}
	return strings.Join(exprs, ", ")
}
