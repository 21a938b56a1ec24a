package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// GitBuildVersion is the VCS revision the binary was built from.
func GitBuildVersion() (string, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return "", errors.New("Build info not found")
	}
	for _, setting := range bi.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value, nil
		}
	}
	return "", errors.New("Build info not found")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			revision, err := GitBuildVersion()
			if err != nil {
				revision = "unknown"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "postgres-to-redshift %s\n", revision)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
