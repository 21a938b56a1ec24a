package gcpapi

import (
	"context"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
)

func clientOptions(credentials []byte) []option.ClientOption {
	if len(credentials) == 0 {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsJSON(credentials)}
}

// NewCloudStorageClient uses the supplied service account JSON, or the
// application default credentials when it is empty.
func NewCloudStorageClient(
	ctx context.Context,
	credentials []byte,
) (*storage.Client, error) {
	gcsClient, cErr := storage.NewClient(ctx, clientOptions(credentials)...)
	return gcsClient, errors.Wrap(cErr, "Unable to get New Cloud Storage client")
}

// NewBigQueryClient is NewCloudStorageClient for BigQuery.
func NewBigQueryClient(
	ctx context.Context,
	project string,
	credentials []byte,
) (*bigquery.Client, error) {
	client, err := bigquery.NewClient(ctx, project, clientOptions(credentials)...)
	return client, errors.Wrap(err, "Unable to open bigquery client")
}
