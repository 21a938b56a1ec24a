// Package cmd is the command line of postgres-to-redshift.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRootCmd assembles the command tree.
func NewRootCmd(logger *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "postgres-to-redshift",
		Short: "Replicate a PostgreSQL schema into a warehouse with a full reload",
		Long: `postgres-to-redshift copies every table of a PostgreSQL schema into Redshift
(or BigQuery). Each table is exported, compressed, staged in object storage and
swapped into the warehouse atomically, so readers never see a half loaded table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cobra.EnableCommandSorting = false
	root.AddCommand(
		newRunCmd(logger),
		newTablesCmd(logger),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command named by the process arguments.
func Execute(ctx context.Context, logger *zap.Logger) error {
	return NewRootCmd(logger).ExecuteContext(ctx)
}
