package cmd

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/compress"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/objstore"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/psql"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/redshift"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/replicate"
)

// Warehouses.
const (
	WarehouseRedshift = "redshift"
	WarehouseBigQuery = "bigquery"
)

// envPrefix prefixes the environment name of every option without a
// legacy name, e.g. P2R_CODEC.
const envPrefix = "P2R"

// Option keys. Each is also a flag name.
const (
	keyConfigFile     = "config"
	keySourceURI      = "source-uri"
	keyTargetURI      = "target-uri"
	keyWarehouse      = "warehouse"
	keyBucket         = "bucket"
	keyAccessKeyID    = "access-key-id"
	keySecretKey      = "secret-access-key"
	keyRegion         = "region"
	keyIAMRole        = "iam-role"
	keyACL            = "acl"
	keyKeyPrefix      = "key-prefix"
	keyCodec          = "codec"
	keySourceSchema   = "source-schema"
	keyTargetSchema   = "target-schema"
	keyDenyList       = "deny-list"
	keyTableMap       = "table-map"
	keyPreHook        = "pre-hook"
	keyPostHook       = "post-hook"
	keyScratchDir     = "scratch-dir"
	keyGCSCredentials = "gcs-credentials"
	keyPushgateway    = "pushgateway-url"
)

// legacyEnv keeps the environment names the tool has always read.
var legacyEnv = map[string]string{
	keySourceURI:   "POSTGRES_TO_REDSHIFT_SOURCE_URI",
	keyTargetURI:   "POSTGRES_TO_REDSHIFT_TARGET_URI",
	keyAccessKeyID: "S3_DATABASE_EXPORT_ID",
	keySecretKey:   "S3_DATABASE_EXPORT_KEY",
	keyBucket:      "S3_DATABASE_EXPORT_BUCKET",
}

// Config is everything a run needs.
type Config struct {
	SourceURI string
	TargetURI string
	Warehouse string
	// BigQuery project and dataset, parsed from a bigquery:// target URI.
	Project string
	Dataset string

	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	IAMRole         string
	ACL             string
	KeyPrefix       string
	Codec           string

	SourceSchema string
	TargetSchema string
	DenyList     []string
	TableMap     map[string]string

	PreHook        string
	PostHook       string
	ScratchDir     string
	GCSCredentials string
	PushgatewayURL string
}

// addConfigFlags declares every option on a command's flag set.
func addConfigFlags(flags *pflag.FlagSet) {
	flags.String(keyConfigFile, "", "YAML config file")
	flags.String(keySourceURI, "", "PostgreSQL source URI")
	flags.String(keyTargetURI, "", "warehouse URI: postgres://... for Redshift, bigquery://project/dataset for BigQuery")
	flags.String(keyWarehouse, "", "redshift or bigquery; inferred from the target URI when empty")
	flags.String(keyBucket, "", "bucket export files are staged in")
	flags.String(keyAccessKeyID, "", "AWS access key id")
	flags.String(keySecretKey, "", "AWS secret access key")
	flags.String(keyRegion, redshift.DefaultRegion, "region of the S3 bucket")
	flags.String(keyIAMRole, "", "IAM role Redshift assumes to read the bucket, instead of the access keys")
	flags.String(keyACL, "", "canned ACL of uploaded objects; empty means authenticated read, none sets no ACL")
	flags.String(keyKeyPrefix, objstore.DefaultKeyPrefix, "folder export files are written to")
	flags.String(keyCodec, compress.Gzip, "compression: gzip, zstd, bzip2 or none")
	flags.String(keySourceSchema, "public", "source schema to replicate")
	flags.String(keyTargetSchema, "public", "warehouse schema to replicate into")
	flags.StringSlice(keyDenyList, psql.DefaultDenyList, "source tables never replicated")
	flags.StringSlice(keyTableMap, nil, "source=target table renames")
	flags.String(keyPreHook, replicate.DefaultPreHook, "SQL run against the source before the run")
	flags.String(keyPostHook, replicate.DefaultPostHook, "SQL run against the warehouse after the run")
	flags.String(keyScratchDir, os.TempDir(), "directory for export files")
	flags.String(keyGCSCredentials, "", "service account key file for BigQuery and Cloud Storage")
	flags.String(keyPushgateway, "", "Prometheus Pushgateway URL")
}

// newViper binds flags, environment and the optional config file.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "Unable to bind flags")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_"))); err != nil {
			return nil, errors.Wrap(err, "Unable to bind "+env)
		}
	}
	if file := v.GetString(keyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "Unable to read config file "+file)
		}
	}
	return v, nil
}

// loadConfig reads the configuration. Callers validate what they need.
func loadConfig(v *viper.Viper) (*Config, error) {
	tableMap, err := parseTableMap(splitList(v.GetStringSlice(keyTableMap)))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		SourceURI:       v.GetString(keySourceURI),
		TargetURI:       v.GetString(keyTargetURI),
		Warehouse:       strings.ToLower(v.GetString(keyWarehouse)),
		Bucket:          v.GetString(keyBucket),
		AccessKeyID:     v.GetString(keyAccessKeyID),
		SecretAccessKey: v.GetString(keySecretKey),
		Region:          v.GetString(keyRegion),
		IAMRole:         v.GetString(keyIAMRole),
		ACL:             v.GetString(keyACL),
		KeyPrefix:       v.GetString(keyKeyPrefix),
		Codec:           strings.ToLower(v.GetString(keyCodec)),
		SourceSchema:    v.GetString(keySourceSchema),
		TargetSchema:    v.GetString(keyTargetSchema),
		DenyList:        splitList(v.GetStringSlice(keyDenyList)),
		TableMap:        tableMap,
		PreHook:         v.GetString(keyPreHook),
		PostHook:        v.GetString(keyPostHook),
		ScratchDir:      v.GetString(keyScratchDir),
		GCSCredentials:  v.GetString(keyGCSCredentials),
		PushgatewayURL:  v.GetString(keyPushgateway),
	}
	if err = cfg.resolveWarehouse(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bigQueryScheme marks a BigQuery target URI: bigquery://project/dataset
const bigQueryScheme = "bigquery://"

// resolveWarehouse infers the warehouse from the target URI and extracts
// the BigQuery project and dataset. Project ids may contain a ':' so the
// URI is split by hand.
func (c *Config) resolveWarehouse() error {
	rest, isBigQuery := strings.CutPrefix(c.TargetURI, bigQueryScheme)
	if !isBigQuery {
		if c.Warehouse == "" {
			c.Warehouse = WarehouseRedshift
		}
		return nil
	}
	if c.Warehouse != "" && c.Warehouse != WarehouseBigQuery {
		return errors.Errorf("warehouse %s does not match a bigquery target uri", c.Warehouse)
	}
	c.Warehouse = WarehouseBigQuery
	c.Project, c.Dataset, _ = strings.Cut(strings.Trim(rest, "/"), "/")
	return nil
}

// ValidateSource checks the options needed to read the source.
func (c *Config) ValidateSource() error {
	if c.SourceURI == "" {
		return errors.Errorf("missing required options: %s", keySourceURI)
	}
	switch c.Warehouse {
	case WarehouseRedshift, WarehouseBigQuery:
		return nil
	}
	return errors.Errorf("unknown warehouse %q", c.Warehouse)
}

// Validate checks that the options fit together.
func (c *Config) Validate() error {
	var missing []string
	for _, required := range []struct{ name, value string }{
		{keySourceURI, c.SourceURI},
		{keyTargetURI, c.TargetURI},
		{keyBucket, c.Bucket},
	} {
		if required.value == "" {
			missing = append(missing, required.name)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required options: %s", strings.Join(missing, ", "))
	}
	if _, err := compress.New(c.Codec); err != nil {
		return err
	}

	switch c.Warehouse {
	case WarehouseRedshift:
		if c.IAMRole == "" && (c.AccessKeyID == "" || c.SecretAccessKey == "") {
			return errors.New("redshift needs an iam role or both s3 access keys")
		}
	case WarehouseBigQuery:
		if c.Project == "" || c.Dataset == "" {
			return errors.New("bigquery target uri must look like bigquery://project/dataset")
		}
		if c.Codec != compress.Gzip && c.Codec != compress.None {
			return errors.Errorf("bigquery cannot load %s compressed files, use gzip or none", c.Codec)
		}
	default:
		return errors.Errorf("unknown warehouse %q", c.Warehouse)
	}
	return nil
}

// splitList accepts both repeated values and comma separated ones.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func parseTableMap(pairs []string) (map[string]string, error) {
	tableMap := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		source, target, ok := strings.Cut(pair, "=")
		source, target = strings.TrimSpace(source), strings.TrimSpace(target)
		if !ok || source == "" || target == "" {
			return nil, errors.Errorf("table map entry %q is not source=target", pair)
		}
		tableMap[source] = target
	}
	return tableMap, nil
}
