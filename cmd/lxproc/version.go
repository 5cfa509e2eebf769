package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kahiteam/lxproc/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Info()
		w := cmd.OutOrStdout()
		for _, line := range []string{
			fmt.Sprintf("lxproc %s", info["version"]),
			fmt.Sprintf("  commit:  %s", info["commit"]),
			fmt.Sprintf("  built:   %s", info["date"]),
			fmt.Sprintf("  go:      %s", info["go_version"]),
			fmt.Sprintf("  os/arch: %s/%s", runtime.GOOS, runtime.GOARCH),
		} {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
