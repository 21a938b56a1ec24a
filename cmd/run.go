package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/bq"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/compress"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/exporter"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/gcpapi"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/gcs"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/metrics"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/objstore"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/psql"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/redshift"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/replicate"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/s3"
)

// aclNone disables object ACLs, for buckets that reject them.
const aclNone = "none"

func newRunCmd(logger *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [table...]",
		Short: "Replicate every table, or only the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err = cfg.Validate(); err != nil {
				return err
			}
			return Run(cmd.Context(), logger, cfg, args)
		},
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

// Run performs one replication and pushes its metrics.
func Run(ctx context.Context, logger *zap.Logger, cfg *Config, only []string) error {
	source, err := psql.Connect(ctx, cfg.SourceURI)
	if err != nil {
		return err
	}
	defer func() {
		// if the ctx is cancelled, we still want to Close, so use Background
		_ = source.Close(context.Background())
		logger.Info("Source connection was closed successfully")
	}()

	compressor, err := compress.New(cfg.Codec)
	if err != nil {
		return err
	}

	dest, err := openTarget(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer dest.close()

	format := exporter.Text
	if cfg.Warehouse == WarehouseBigQuery {
		format = exporter.CSV
	}
	uploader := objstore.NewUploader(dest.store, cfg.KeyPrefix, logger)
	exp := exporter.New(source.PgConn(), uploader, compressor, format, cfg.SourceSchema, cfg.ScratchDir, logger)
	warehouse := dest.newWarehouse(uploader, compressor.Codec(), exp.Extension())

	m := metrics.New()
	replicator := replicate.New(
		psql.NewCatalog(source, cfg.SourceSchema, cfg.DenyList, cfg.TableMap),
		exp,
		psql.NewScriptRunner(source, logger),
		warehouse,
		m,
		replicate.Config{PreHook: cfg.PreHook, PostHook: cfg.PostHook, Only: only},
		logger,
	)
	runErr := replicator.Run(ctx)
	if pushErr := m.Push(context.WithoutCancel(ctx), cfg.PushgatewayURL); pushErr != nil {
		logger.Warn("Unable to push metrics", zap.Error(pushErr))
	}
	return runErr
}

// target is the opened object store and warehouse connection of a run.
type target struct {
	store        objstore.Store
	newWarehouse func(locator *objstore.Uploader, codec, ext string) replicate.Warehouse
	close        func()
}

func openTarget(ctx context.Context, logger *zap.Logger, cfg *Config) (*target, error) {
	switch cfg.Warehouse {
	case WarehouseBigQuery:
		return openBigQuery(ctx, logger, cfg)
	case WarehouseRedshift:
		return openRedshift(ctx, logger, cfg)
	}
	return nil, errors.Errorf("unknown warehouse %q", cfg.Warehouse)
}

func openRedshift(ctx context.Context, logger *zap.Logger, cfg *Config) (*target, error) {
	store, err := s3.NewStore(ctx, s3.Options{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		ACL:             aclOrDefault(cfg.ACL, s3.DefaultACL),
	})
	if err != nil {
		return nil, err
	}
	conn, err := redshift.Connect(ctx, cfg.TargetURI)
	if err != nil {
		return nil, err
	}
	return &target{
		store:        store,
		newWarehouse: func(locator *objstore.Uploader, codec, ext string) replicate.Warehouse {
			return redshift.New(conn, locator, redshift.Options{
				Schema:          cfg.TargetSchema,
				Region:          cfg.Region,
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
				IAMRole:         cfg.IAMRole,
				Codec:           codec,
				Ext:             ext,
			}, logger)
		},
		close: func() {
			_ = conn.Close(context.Background())
			logger.Info("Target connection was closed successfully")
		},
	}, nil
}

func openBigQuery(ctx context.Context, logger *zap.Logger, cfg *Config) (*target, error) {
	credentials, err := gcpapi.NewCredentials(cfg.GCSCredentials)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to get GCP credentials")
	}
	gcsClient, err := gcpapi.NewCloudStorageClient(ctx, credentials)
	if err != nil {
		return nil, err
	}
	client, err := gcpapi.NewBigQueryClient(ctx, cfg.Project, credentials)
	if err != nil {
		_ = gcsClient.Close()
		return nil, err
	}
	return &target{
		store:        gcs.NewStore(gcsClient, cfg.Bucket, aclOrDefault(cfg.ACL, gcs.DefaultACL)),
		newWarehouse: func(locator *objstore.Uploader, codec, ext string) replicate.Warehouse {
			return bq.New(client, locator, bq.Options{Dataset: cfg.Dataset, Codec: codec, Ext: ext}, logger)
		},
		close: func() {
			_ = client.Close()
			_ = gcsClient.Close()
			logger.Info("bq client was closed successfully")
		},
	}, nil
}

func aclOrDefault(acl, fallback string) string {
	switch acl {
	case "":
		return fallback
	case aclNone:
		return ""
	}
	return acl
}
