// Package syncerr holds the errors a table's replication can fail with.
// Each carries the table and the failing stage so a log line is enough to
// diagnose the failure.
package syncerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// SchemaQueryError means discovery failed. It aborts the run.
type SchemaQueryError struct {
	Table string
	Err   error
}

func (e *SchemaQueryError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("schema discovery: %v", e.Err)
	}
	return fmt.Sprintf("schema discovery for table %s: %v", e.Table, e.Err)
}

func (e *SchemaQueryError) Unwrap() error { return e.Err }

// ExportError means reading the source or compressing the export failed.
type ExportError struct {
	Table string
	Step  string
	Err   error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export of table %s failed at %s: %v", e.Table, e.Step, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// UploadError means writing to or clearing the object store failed.
type UploadError struct {
	Table string
	Key   string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of table %s to %s failed: %v", e.Table, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ImportError means the warehouse swap failed. The live table is left as it
// was before the swap started.
type ImportError struct {
	Table string
	Step  string
	Err   error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import of table %s failed at %s: %v", e.Table, e.Step, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// Stage names the pipeline stage an error came from, or "" if err is not
// one of ours.
func Stage(err error) string {
	var (
		schemaErr *SchemaQueryError
		exportErr *ExportError
		uploadErr *UploadError
		importErr *ImportError
	)
	switch {
	case errors.As(err, &schemaErr):
		return "discovering"
	case errors.As(err, &exportErr):
		return "exporting"
	case errors.As(err, &uploadErr):
		return "uploading"
	case errors.As(err, &importErr):
		return "importing"
	}
	return ""
}
