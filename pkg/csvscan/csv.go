// Package csvscan rewrites PostgreSQL CSV output into values BigQuery can
// load. Rows are streamed; column order is left untouched.
package csvscan

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
)

// Delimiter separates fields in the export.
const Delimiter = '|'

// NullMarker stands for NULL in the export. An empty field is an empty
// string, which an unquoted CSV field cannot otherwise tell apart from NULL.
const NullMarker = `\N`

// BigQuery must range between 0001-01-01 to 9999-12-31.
const (
	maxDate      = "9999-12-31"
	minDate      = "0001-01-01"
	maxTimestamp = "9999-12-31 23:59:59.999999"
	minTimestamp = "0001-01-01 00:00:00"
)

// shortOffset matches a trailing "+05" style UTC offset.
var shortOffset = regexp.MustCompile(`[+-]\d{2}$`)

type columnKind int

const (
	kindOther columnKind = iota
	kindDate
	kindTimestamp
	kindTimestampTZ
)

func kindOf(dataType string) columnKind {
	switch strings.ToLower(dataType) {
	case "date":
		return kindDate
	case "timestamp without time zone":
		return kindTimestamp
	case "timestamp with time zone":
		return kindTimestampTZ
	}
	return kindOther
}

// CSVScanner copies rows from r to w, converting each value for BigQuery.
// It returns the number of rows written.
func CSVScanner(
	logger *zap.Logger,
	r io.Reader,
	w io.Writer,
	table ds.Table,
) (int64, error) {
	kinds := make([]columnKind, len(table.Columns))
	for i, col := range table.Columns {
		kinds[i] = kindOf(col.DataType)
	}

	reader := csv.NewReader(r)
	reader.Comma = Delimiter
	reader.FieldsPerRecord = len(table.Columns)
	reader.ReuseRecord = true
	csvWriter := csv.NewWriter(w)
	csvWriter.Comma = Delimiter

	var rowNum int64
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Error("CSV Scanner read err", zap.Int64("rowNum", rowNum), zap.Error(err))
			return rowNum, errors.Wrap(err, fmt.Sprintf("CSV read error with Rows processed: %d", rowNum))
		}
		for i, val := range record {
			record[i] = psqlToBQValue(kinds[i], val)
		}
		if err = csvWriter.Write(record); err != nil {
			return rowNum, errors.Wrap(err, fmt.Sprintf("CSV Write error with Rows processed: %d", rowNum))
		}
		rowNum++
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return rowNum, errors.Wrap(err, "CSV flush error")
	}
	logger.Debug("CSV Scanner read EOF", zap.Int64("rows", rowNum))
	return rowNum, nil
}

func psqlToBQValue(kind columnKind, val string) string {
	switch kind {
	case kindDate:
		switch val {
		case "infinity":
			return maxDate
		case "-infinity":
			return minDate
		}
	case kindTimestamp, kindTimestampTZ:
		switch val {
		case "infinity":
			return maxTimestamp
		case "-infinity":
			return minTimestamp
		}
		if kind == kindTimestampTZ && shortOffset.MatchString(val) {
			return val + ":00"
		}
	}
	return val
}
