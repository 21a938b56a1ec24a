// Package s3 is the S3 object store used to stage Redshift loads.
package s3

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

const (
	defaultUploadPartSize = 64 * 1024 * 1024
	defaultConcurrency    = 5

	// DefaultACL lets the warehouse's loader principal read the export.
	DefaultACL = string(types.ObjectCannedACLAuthenticatedRead)
)

// Options configures the S3 client. Without static keys the default AWS
// credential chain is used.
type Options struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// ACL is the canned ACL set on uploads; empty sets none, for buckets
	// with ACLs disabled.
	ACL string
}

type listDeleteAPI interface {
	s3.ListObjectsV2APIClient
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Store is a bucket in S3.
type Store struct {
	bucket   string
	acl      types.ObjectCannedACL
	client   listDeleteAPI
	uploader *manager.Uploader
}

// NewStore builds the S3 client for a bucket.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	var client *s3.Client
	if opts.AccessKeyID != "" {
		client = s3.New(s3.Options{
			Region: opts.Region,
			Credentials: credentials.NewStaticCredentialsProvider(
				opts.AccessKeyID, opts.SecretAccessKey, "",
			),
		})
	} else {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
		if err != nil {
			return nil, errors.Wrap(err, "Unable to load AWS config")
		}
		client = s3.NewFromConfig(cfg)
	}
	return newStore(opts, client, client), nil
}

func newStore(opts Options, client listDeleteAPI, uploadClient manager.UploadAPIClient) *Store {
	return &Store{
		bucket: opts.Bucket,
		acl:    types.ObjectCannedACL(opts.ACL),
		client: client,
		uploader: manager.NewUploader(uploadClient, func(u *manager.Uploader) {
			u.PartSize = defaultUploadPartSize
			u.Concurrency = defaultConcurrency
		}),
	}
}

// URI implements objstore.Store.
func (s *Store) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// DeletePrefix implements objstore.Store. Keys are deleted one listing page
// (at most 1000 keys) at a time.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, errors.Wrapf(err, "Unable to list s3://%s/%s", s.bucket, prefix)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, errors.Wrapf(err, "Unable to delete objects under s3://%s/%s", s.bucket, prefix)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, errors.Errorf("Unable to delete %s: %s",
				aws.ToString(first.Key), aws.ToString(first.Message))
		}
		deleted += len(ids)
	}
	return deleted, nil
}

// Upload implements objstore.Store.
func (s *Store) Upload(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "Unable to open file "+path)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if s.acl != "" {
		input.ACL = s.acl
	}
	if _, err = s.uploader.Upload(ctx, input); err != nil {
		return errors.Wrap(err, "Unable to upload "+s.URI(key))
	}
	return nil
}
