package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/compress"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/psql"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/typemap"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConfigFlags(flags)
	require.NoError(t, flags.Parse(args))
	v, err := newViper(flags)
	if err != nil {
		return nil, err
	}
	return loadConfig(v)
}

func TestLoadConfigLegacyEnv(t *testing.T) {
	t.Setenv("POSTGRES_TO_REDSHIFT_SOURCE_URI", "postgres://app@db/app")
	t.Setenv("POSTGRES_TO_REDSHIFT_TARGET_URI", "postgres://etl@redshift:5439/dw")
	t.Setenv("S3_DATABASE_EXPORT_ID", "AKID")
	t.Setenv("S3_DATABASE_EXPORT_KEY", "SECRET")
	t.Setenv("S3_DATABASE_EXPORT_BUCKET", "exports")

	cfg, err := load(t)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "postgres://app@db/app", cfg.SourceURI)
	assert.Equal(t, WarehouseRedshift, cfg.Warehouse)
	assert.Equal(t, "AKID", cfg.AccessKeyID)
	assert.Equal(t, "SECRET", cfg.SecretAccessKey)
	assert.Equal(t, "exports", cfg.Bucket)
	assert.Equal(t, "us-west-2", cfg.Region)
	assert.Equal(t, compress.Gzip, cfg.Codec)
	assert.Equal(t, "public", cfg.SourceSchema)
	assert.Equal(t, psql.DefaultDenyList, cfg.DenyList)
	assert.Equal(t, "./pre.sql", cfg.PreHook)
	assert.Equal(t, "./post.sql", cfg.PostHook)
	assert.Empty(t, cfg.TableMap)
}

func TestLoadConfigPrefixedEnvAndFlags(t *testing.T) {
	t.Setenv("P2R_SOURCE_URI", "postgres://app@db/app")
	t.Setenv("P2R_CODEC", "ZSTD")
	t.Setenv("P2R_DENY_LIST", "audits,sessions")

	cfg, err := load(t,
		"--target-uri", "postgres://etl@redshift:5439/dw",
		"--bucket", "exports",
		"--iam-role", "arn:aws:iam::123456789012:role/load",
		"--table-map", "users=app_users",
		"--table-map", "orders=shop_orders",
	)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, compress.Zstd, cfg.Codec)
	assert.Equal(t, []string{"audits", "sessions"}, cfg.DenyList)
	assert.Equal(t, map[string]string{"users": "app_users", "orders": "shop_orders"}, cfg.TableMap)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2r.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source-uri: postgres://app@db/app
target-uri: bigquery://example.com:analytics/warehouse
bucket: exports
codec: none
`), 0o600))

	cfg, err := load(t, "--config", path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, WarehouseBigQuery, cfg.Warehouse)
	assert.Equal(t, "example.com:analytics", cfg.Project)
	assert.Equal(t, "warehouse", cfg.Dataset)
	assert.Equal(t, compress.None, cfg.Codec)
}

func TestLoadConfigBadTableMap(t *testing.T) {
	_, err := load(t, "--table-map", "users")
	assert.EqualError(t, err, `table map entry "users" is not source=target`)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			SourceURI:       "postgres://app@db/app",
			TargetURI:       "postgres://etl@redshift:5439/dw",
			Warehouse:       WarehouseRedshift,
			Bucket:          "exports",
			AccessKeyID:     "AKID",
			SecretAccessKey: "SECRET",
			Codec:           compress.Bzip2,
		}
	}
	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.SourceURI, cfg.Bucket = "", ""
	assert.EqualError(t, cfg.Validate(), "missing required options: source-uri, bucket")

	cfg = valid()
	cfg.SecretAccessKey = ""
	assert.EqualError(t, cfg.Validate(), "redshift needs an iam role or both s3 access keys")

	cfg = valid()
	cfg.Codec = "lz4"
	assert.EqualError(t, cfg.Validate(), `unsupported compression codec "lz4"`)

	cfg = valid()
	cfg.TargetURI = "bigquery://project/dataset"
	cfg.Warehouse = ""
	require.NoError(t, cfg.resolveWarehouse())
	assert.EqualError(t, cfg.Validate(), "bigquery cannot load bzip2 compressed files, use gzip or none")

	cfg = valid()
	cfg.TargetURI = "bigquery://project"
	cfg.Warehouse = ""
	require.NoError(t, cfg.resolveWarehouse())
	cfg.Codec = compress.Gzip
	assert.EqualError(t, cfg.Validate(), "bigquery target uri must look like bigquery://project/dataset")

	cfg = valid()
	cfg.TargetURI = "bigquery://project/dataset"
	cfg.Warehouse = WarehouseRedshift
	assert.Error(t, cfg.resolveWarehouse())
}

func TestValidateSource(t *testing.T) {
	cfg := &Config{Warehouse: WarehouseRedshift}
	assert.EqualError(t, cfg.ValidateSource(), "missing required options: source-uri")
	cfg.SourceURI = "postgres://app@db/app"
	assert.NoError(t, cfg.ValidateSource())
}

func TestACLOrDefault(t *testing.T) {
	assert.Equal(t, "authenticated-read", aclOrDefault("", "authenticated-read"))
	assert.Equal(t, "", aclOrDefault("none", "authenticated-read"))
	assert.Equal(t, "private", aclOrDefault("private", "authenticated-read"))
}

func TestPrintTables(t *testing.T) {
	tables := []ds.Table{
		{Name: "users", TargetName: "app_users", Columns: []ds.Column{{Name: "id", DataType: "integer"}}},
		{Name: "shapes", TargetName: "shapes", Columns: []ds.Column{{Name: "area", DataType: "polygon"}}},
	}
	var out bytes.Buffer
	err := printTables(&out, tables, "public", typemap.Redshift)
	assert.EqualError(t, err, "1 of 2 tables cannot be replicated")
	assert.Equal(t,
		"-- users -> app_users\nCREATE TABLE \"public\".\"app_users\" (\"id\" INTEGER);\n"+
			"-- shapes: unsupported data type \"polygon\" for column shapes.area\n",
		out.String())
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "postgres-to-redshift ")
	assert.Contains(t, out.String(), "Go version: ")
}
