package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "lxproc",
	Short:         "lxproc -- Linux process lifecycle kernel",
	Long:          "lxproc runs the Linux process model (clone, exit, wait, signals) in-process and exposes it over an introspection API.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitStatus carries the exit code of the command when it is not 0 or 1.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var st exitStatus
		if errors.As(err, &st) {
			os.Exit(int(st))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
