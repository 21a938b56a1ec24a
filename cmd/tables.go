package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/metrics"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/psql"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/replicate"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/typemap"
)

func newTablesCmd(logger *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables [table...]",
		Short: "List the tables a run would replicate and their warehouse DDL",
		Long: `tables only reads the source schema. Nothing is exported or written to the
warehouse. It exits with an error when a column type cannot be replicated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err = cfg.ValidateSource(); err != nil {
				return err
			}
			return listTables(cmd.Context(), logger, cfg, args, cmd.OutOrStdout())
		},
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

func listTables(ctx context.Context, logger *zap.Logger, cfg *Config, only []string, out io.Writer) error {
	source, err := psql.Connect(ctx, cfg.SourceURI)
	if err != nil {
		return err
	}
	defer func() {
		_ = source.Close(context.Background())
	}()

	replicator := replicate.New(
		psql.NewCatalog(source, cfg.SourceSchema, cfg.DenyList, cfg.TableMap),
		nil, nil, nil,
		metrics.New(),
		replicate.Config{Only: only},
		logger,
	)
	tables, err := replicator.Tables(ctx)
	if err != nil {
		return err
	}
	mapper := typemap.Redshift
	if cfg.Warehouse == WarehouseBigQuery {
		mapper = typemap.BigQuery
	}
	return printTables(out, tables, cfg.TargetSchema, mapper)
}

// printTables writes one CREATE TABLE per table. Tables with unsupported
// columns are reported inline and make the listing fail.
func printTables(out io.Writer, tables []ds.Table, schema string, mapper typemap.Mapper) error {
	unsupported := 0
	for _, table := range tables {
		columns, err := typemap.ColumnsForCreate(table, mapper)
		if err != nil {
			unsupported++
			fmt.Fprintf(out, "-- %s: %v\n", table, err)
			continue
		}
		fmt.Fprintf(out, "-- %s\nCREATE TABLE %s (%s);\n", table, ds.QualifiedName(schema, table.TargetName), columns)
	}
	if unsupported > 0 {
		return errors.Errorf("%d of %d tables cannot be replicated", unsupported, len(tables))
	}
	return nil
}
