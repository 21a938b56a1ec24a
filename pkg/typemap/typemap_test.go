package typemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
)

func intPtr(i int) *int { return &i }

func TestRedshift(t *testing.T) {
	cases := []struct {
		col  ds.Column
		want string
	}{
		{ds.Column{DataType: "integer"}, "INTEGER"},
		{ds.Column{DataType: "bigint"}, "BIGINT"},
		{ds.Column{DataType: "smallint"}, "SMALLINT"},
		{ds.Column{DataType: "boolean"}, "BOOLEAN"},
		{ds.Column{DataType: "date"}, "DATE"},
		{ds.Column{DataType: "timestamp without time zone"}, "TIMESTAMP"},
		{ds.Column{DataType: "timestamp with time zone"}, "TIMESTAMPTZ"},
		{ds.Column{DataType: "double precision"}, "DOUBLE PRECISION"},
		{ds.Column{DataType: "character varying", CharacterMaximumLength: intPtr(50)}, "VARCHAR(200)"},
		{ds.Column{DataType: "character varying", CharacterMaximumLength: intPtr(20000)}, "VARCHAR(65535)"},
		{ds.Column{DataType: "character varying"}, "VARCHAR(65535)"},
		{ds.Column{DataType: "character varying", CharacterMaximumLength: intPtr(100000)}, "VARCHAR(65535)"},
		{ds.Column{DataType: "character", CharacterMaximumLength: intPtr(2)}, "CHAR(2)"},
		{ds.Column{DataType: "text"}, "VARCHAR(65535)"},
		{ds.Column{DataType: "uuid"}, "CHAR(36)"},
		{ds.Column{DataType: "numeric", NumericPrecision: intPtr(10), NumericScale: intPtr(2)}, "DECIMAL(10,2)"},
		{ds.Column{DataType: "numeric"}, "NUMERIC"},
		{ds.Column{DataType: "numeric", NumericPrecision: intPtr(10)}, "NUMERIC"},
		{ds.Column{DataType: "numeric", NumericPrecision: intPtr(60), NumericScale: intPtr(2)}, "NUMERIC"},
		{ds.Column{DataType: "money"}, "DECIMAL(19,2)"},
		{ds.Column{DataType: "INTEGER"}, "INTEGER"},
		{ds.Column{DataType: "USER-DEFINED"}, "VARCHAR(65535)"},
		{ds.Column{DataType: "ARRAY"}, "VARCHAR(65535)"},
		{ds.Column{DataType: "interval"}, "VARCHAR(65535)"},
	}
	for _, tc := range cases {
		got, err := Redshift(tc.col)
		require.NoError(t, err, tc.col.DataType)
		assert.Equal(t, tc.want, got, tc.col.DataType)
	}
}

func TestBigQuery(t *testing.T) {
	cases := []struct {
		col  ds.Column
		want string
	}{
		{ds.Column{DataType: "integer"}, "INTEGER"},
		{ds.Column{DataType: "character varying", CharacterMaximumLength: intPtr(50)}, "STRING"},
		{ds.Column{DataType: "timestamp without time zone"}, "DATETIME"},
		{ds.Column{DataType: "timestamp with time zone"}, "TIMESTAMP"},
		{ds.Column{DataType: "numeric", NumericPrecision: intPtr(10), NumericScale: intPtr(2)}, "NUMERIC"},
		{ds.Column{DataType: "numeric", NumericPrecision: intPtr(38), NumericScale: intPtr(2)}, "BIGNUMERIC"},
		{ds.Column{DataType: "numeric"}, "BIGNUMERIC"},
		{ds.Column{DataType: "jsonb"}, "JSON"},
		{ds.Column{DataType: "USER-DEFINED"}, "STRING"},
		{ds.Column{DataType: "ARRAY"}, "STRING"},
		{ds.Column{DataType: "interval"}, "STRING"},
	}
	for _, tc := range cases {
		got, err := BigQuery(tc.col)
		require.NoError(t, err, tc.col.DataType)
		assert.Equal(t, tc.want, got, tc.col.DataType)
	}
}

func TestUnsupportedType(t *testing.T) {
	for _, mapper := range []Mapper{Redshift, BigQuery} {
		_, err := mapper(ds.Column{Name: "location", DataType: "point"})
		var unsupported *UnsupportedTypeError
		require.ErrorAs(t, err, &unsupported)
		assert.Equal(t, "location", unsupported.Column)
		assert.Equal(t, "point", unsupported.DataType)
	}
}

func TestColumnsForCreate(t *testing.T) {
	users := ds.Table{
		Name:       "users",
		TargetName: "users",
		Columns: []ds.Column{
			{Name: "id", DataType: "integer"},
			{Name: "name", DataType: "character varying", CharacterMaximumLength: intPtr(50)},
		},
	}
	ddl, err := ColumnsForCreate(users, Redshift)
	require.NoError(t, err)
	assert.Equal(t, `"id" INTEGER, "name" VARCHAR(200)`, ddl)

	// order follows discovery, not name
	users.Columns = []ds.Column{users.Columns[1], users.Columns[0]}
	ddl, err = ColumnsForCreate(users, Redshift)
	require.NoError(t, err)
	assert.Equal(t, `"name" VARCHAR(200), "id" INTEGER`, ddl)
}

func TestColumnsForCreateUnsupported(t *testing.T) {
	table := ds.Table{
		Name:       "shapes",
		TargetName: "shapes",
		Columns: []ds.Column{
			{Name: "id", DataType: "integer"},
			{Name: "area", DataType: "polygon"},
		},
	}
	ddl, err := ColumnsForCreate(table, Redshift)
	assert.Empty(t, ddl)
	var unsupported *UnsupportedTypeError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "shapes", unsupported.Table)
	assert.EqualError(t, Check(table, Redshift), `unsupported data type "polygon" for column shapes.area`)
}

func TestColumnsForSelect(t *testing.T) {
	table := ds.Table{
		Name: "orders",
		Columns: []ds.Column{
			{Name: "id", DataType: "integer"},
			{Name: "total", DataType: "money"},
			{Name: "ships_on", DataType: "date"},
		},
	}
	assert.Equal(t, `"id", CAST("total" AS numeric) AS "total", "ships_on"`, ColumnsForSelect(table, false))
}

func TestColumnsForSelectClampsInfinity(t *testing.T) {
	table := ds.Table{
		Name: "subscriptions",
		Columns: []ds.Column{
			{Name: "id", DataType: "integer"},
			{Name: "starts_on", DataType: "date"},
			{Name: "ends_at", DataType: "timestamp without time zone"},
			{Name: "paid_at", DataType: "timestamp with time zone"},
		},
	}
	assert.Equal(t, `"id", `+
		`CASE WHEN "starts_on" = '-infinity' THEN DATE '0001-01-01' WHEN "starts_on" = 'infinity' THEN DATE '9999-12-31' ELSE "starts_on" END AS "starts_on", `+
		`CASE WHEN "ends_at" = '-infinity' THEN TIMESTAMP '0001-01-01 00:00:00' WHEN "ends_at" = 'infinity' THEN TIMESTAMP '9999-12-31 23:59:59.999999' ELSE "ends_at" END AS "ends_at", `+
		`CASE WHEN "paid_at" = '-infinity' THEN TIMESTAMPTZ '0001-01-02 00:00:00+00' WHEN "paid_at" = 'infinity' THEN TIMESTAMPTZ '9999-12-31 23:59:59.999999+00' ELSE "paid_at" END AS "paid_at"`,
		ColumnsForSelect(table, true))
}
