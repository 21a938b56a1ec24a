// Package gcs is the Cloud Storage object store used to stage BigQuery loads.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// DefaultACL lets the warehouse's loader principal read the export.
const DefaultACL = "authenticatedRead"

// bucket is the Cloud Storage traffic of a Store.
type bucket interface {
	ObjectNames(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
	NewWriter(ctx context.Context, name, acl string) io.WriteCloser
}

type remoteBucket struct {
	handle *storage.BucketHandle
}

func (b remoteBucket) ObjectNames(ctx context.Context, prefix string) ([]string, error) {
	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return names, err
		}
		names = append(names, attrs.Name)
	}
}

func (b remoteBucket) Delete(ctx context.Context, name string) error {
	return b.handle.Object(name).Delete(ctx)
}

func (b remoteBucket) NewWriter(ctx context.Context, name, acl string) io.WriteCloser {
	wc := b.handle.Object(name).NewWriter(ctx)
	wc.ContentType = "application/octet-stream"
	wc.ContentDisposition = "attachment;filename=" + filepath.Base(name)
	if acl != "" {
		wc.PredefinedACL = acl
	}
	return wc
}

// Store is a bucket in Cloud Storage.
type Store struct {
	bucket bucket
	name   string
	acl    string
}

// NewStore wraps a bucket. acl is a predefined ACL name; empty sets none.
func NewStore(gcsClient *storage.Client, bucket, acl string) *Store {
	return &Store{bucket: remoteBucket{handle: gcsClient.Bucket(bucket)}, name: bucket, acl: acl}
}

// URI implements objstore.Store.
func (s *Store) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.name, key)
}

// DeletePrefix implements objstore.Store. Objects that vanish between the
// listing and the delete count as deleted.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	names, err := s.bucket.ObjectNames(ctx, prefix)
	if err != nil {
		return 0, errors.Wrap(err, "Unable to list "+s.URI(prefix))
	}
	deleted := 0
	for _, name := range names {
		err = s.bucket.Delete(ctx, name)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return deleted, errors.Wrap(err, "Unable to delete "+s.URI(name))
		}
		deleted++
	}
	return deleted, nil
}

// Upload implements objstore.Store.
func (s *Store) Upload(ctx context.Context, key, path string) error {
	sourceFileStat, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "Unable to stat file "+path)
	}
	if !sourceFileStat.Mode().IsRegular() {
		return errors.Errorf("%s is not a regular file", path)
	}
	source, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "Unable to open file "+path)
	}
	defer func(source *os.File) {
		_ = source.Close()
	}(source)

	wc := s.bucket.NewWriter(ctx, key, s.acl)
	if _, err = io.Copy(wc, source); err != nil {
		_ = wc.Close()
		return errors.Wrap(err, "Unable to io.Copy file "+path)
	}
	if err = wc.Close(); err != nil {
		return errors.Wrapf(err, "Unable to Close storage Writer for object %s", s.URI(key))
	}
	return nil
}
