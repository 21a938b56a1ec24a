// Package objstore stages export files in object storage under a
// deterministic per-table key.
package objstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/syncerr"
)

// DefaultKeyPrefix is the folder export files are written to.
const DefaultKeyPrefix = "export"

// Store is an object store bucket.
type Store interface {
	// DeletePrefix removes every object whose key starts with prefix and
	// returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Upload writes the file at path to key, replacing any existing object.
	Upload(ctx context.Context, key, path string) error
	// URI is the bucket URI of key, e.g. s3://bucket/key.
	URI(key string) string
}

// Uploader places a table's export chunks in a Store.
type Uploader struct {
	store     Store
	keyPrefix string
	logger    *zap.Logger
}

// NewUploader returns an Uploader writing below keyPrefix.
func NewUploader(store Store, keyPrefix string, logger *zap.Logger) *Uploader {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Uploader{store: store, keyPrefix: keyPrefix, logger: logger}
}

// Prefix is the key prefix shared by every chunk of a table.
func (u *Uploader) Prefix(table ds.Table, ext string) string {
	return ds.ObjectPrefix(u.keyPrefix, table.TargetName, ext)
}

// PrefixURI is the URI the warehouse loads a table from.
func (u *Uploader) PrefixURI(table ds.Table, ext string) string {
	return u.store.URI(u.Prefix(table, ext))
}

// Clear removes stale chunks of a table so they can never be loaded
// alongside new ones.
func (u *Uploader) Clear(ctx context.Context, table ds.Table, ext string) error {
	prefix := u.Prefix(table, ext)
	n, err := u.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return &syncerr.UploadError{Table: table.Name, Key: prefix, Err: err}
	}
	u.logger.Debug("cleared stale export objects", zap.String("prefix", prefix), zap.Int("deleted", n))
	return nil
}

// Upload writes one export chunk. Uploading the same chunk again overwrites it.
func (u *Uploader) Upload(ctx context.Context, artifact ds.ExportArtifact, ext string) error {
	key := ds.ObjectKey(u.keyPrefix, artifact.Table.TargetName, ext, artifact.Chunk)
	u.logger.Info("Uploading", zap.String("table", artifact.Table.TargetName), zap.String("uri", u.store.URI(key)))
	if err := u.store.Upload(ctx, key, artifact.Path); err != nil {
		return &syncerr.UploadError{Table: artifact.Table.Name, Key: key, Err: err}
	}
	return nil
}
