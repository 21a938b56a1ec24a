package csvscan

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
)

var events = ds.Table{
	Name: "subscriptions",
	Columns: []ds.Column{
		{Name: "id", DataType: "integer"},
		{Name: "note", DataType: "text"},
		{Name: "starts_on", DataType: "date"},
		{Name: "ends_at", DataType: "timestamp without time zone"},
		{Name: "updated_at", DataType: "timestamp with time zone"},
	},
}

func TestCSVScanner(t *testing.T) {
	in := strings.Join([]string{
		`1|plain|2024-01-01|2024-01-01 10:00:00|2024-01-01 10:00:00+00`,
		`2|"has | pipe"|-infinity|infinity|2024-01-01 10:00:00+05:30`,
		`3||infinity|-infinity|infinity`,
		`4|\N|\N|\N|\N`,
	}, "\n") + "\n"

	var out bytes.Buffer
	n, err := CSVScanner(zap.NewNop(), strings.NewReader(in), &out, events)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	want := strings.Join([]string{
		`1|plain|2024-01-01|2024-01-01 10:00:00|2024-01-01 10:00:00+00:00`,
		`2|"has | pipe"|0001-01-01|9999-12-31 23:59:59.999999|2024-01-01 10:00:00+05:30`,
		`3||9999-12-31|0001-01-01 00:00:00|9999-12-31 23:59:59.999999`,
		`4|\N|\N|\N|\N`,
	}, "\n") + "\n"
	assert.Equal(t, want, out.String())
}

func TestCSVScannerColumnCountMismatch(t *testing.T) {
	var out bytes.Buffer
	_, err := CSVScanner(zap.NewNop(), strings.NewReader("1|2\n"), &out, events)
	assert.Error(t, err)
}

func TestPsqlToBQValue(t *testing.T) {
	assert.Equal(t, "infinity", psqlToBQValue(kindOther, "infinity"))
	assert.Equal(t, "2024-01-01 10:00:00-07:00", psqlToBQValue(kindTimestampTZ, "2024-01-01 10:00:00-07"))
	assert.Equal(t, "2024-01-01 10:00:00-07", psqlToBQValue(kindTimestamp, "2024-01-01 10:00:00-07"))
	assert.Equal(t, NullMarker, psqlToBQValue(kindTimestampTZ, NullMarker))
}
