package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dshills/hybridsearch/internal/storage"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := map[string]string{
				"version":    version,
				"build_time": buildTime,
				"build_mode": storage.BuildMode,
				"driver":     storage.DriverName,
				"go":         runtime.Version(),
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, info)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "hybridsearch %s\n", version)
			fmt.Fprintf(w, "Build Time: %s\n", buildTime)
			fmt.Fprintf(w, "Build Mode: %s\n", storage.BuildMode)
			fmt.Fprintf(w, "SQLite Driver: %s\n", storage.DriverName)
			return nil
		},
	}
}
