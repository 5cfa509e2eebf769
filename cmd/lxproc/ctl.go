package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kahiteam/lxproc/internal/ctl"
)

var (
	ctlAddr    string
	ctlUser    string
	ctlPass    string
	ctlNoColor bool
	ctlJSON    bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Inspect a running lxproc daemon",
	Long:  "Query and signal the processes of a running lxproc daemon via its API.",
}

func newCtlClient() *ctl.Client {
	addr := ctlAddr
	if addr == "" {
		addr = os.Getenv("LXPROC_ADDR")
	}
	if addr == "" {
		addr = "127.0.0.1:9876"
	}
	return ctl.NewClient(addr, ctlUser, ctlPass)
}

// idArg parses a pid, tid, pgid or sid argument.
func idArg(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id: %s", s)
	}
	return id, nil
}

// lookupCmd builds a command that prints one object by id.
func lookupCmd(use, short string, fetch func(c *ctl.Client, id int, cmd *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idArg(args[0])
			if err != nil {
				return err
			}
			return fetch(newCtlClient(), id, cmd)
		},
	}
}

var ctlPsCmd = &cobra.Command{
	Use:   "ps",
	Short: "Show the process table",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Processes(ctlJSON, !ctlNoColor, cmd.OutOrStdout())
	},
}

var ctlShowCmd = lookupCmd("show <pid>", "Show one process", func(c *ctl.Client, id int, cmd *cobra.Command) error {
	return c.Process(id, cmd.OutOrStdout())
})

var ctlThreadCmd = lookupCmd("thread <tid>", "Show one thread", func(c *ctl.Client, id int, cmd *cobra.Command) error {
	return c.Thread(id, cmd.OutOrStdout())
})

var ctlGroupCmd = lookupCmd("group <pgid>", "Show the members of a process group", func(c *ctl.Client, id int, cmd *cobra.Command) error {
	return c.Group(id, cmd.OutOrStdout())
})

var ctlSessionCmd = lookupCmd("session <sid>", "Show the groups of a session", func(c *ctl.Client, id int, cmd *cobra.Command) error {
	return c.Session(id, cmd.OutOrStdout())
})

var ctlSignalCmd = &cobra.Command{
	Use:   "signal <signal> <pid...>",
	Short: "Send a signal to processes",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		sig := args[0]
		failed := false
		for _, arg := range args[1:] {
			pid, err := idArg(arg)
			if err == nil {
				err = c.Signal(pid, sig)
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", arg, err)
				failed = true
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: signaled %s\n", arg, sig)
		}
		if failed {
			return exitStatus(1)
		}
		return nil
	},
}

var ctlStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry table sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newCtlClient().Stats()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "threads: %d\nprocesses: %d\ngroups: %d\nsessions: %d\n",
			st.Threads, st.Processes, st.Groups, st.Sessions)
		return err
	},
}

var consoleBytes int

var ctlConsoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Show the tail of the console output",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Console(consoleBytes, cmd.OutOrStdout())
	},
}

var eventTypes []string

var ctlEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		return newCtlClient().Events(ctx, eventTypes, cmd.OutOrStdout())
	},
}

var ctlShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Initiate daemon shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newCtlClient().Shutdown(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "shutdown initiated")
		return nil
	},
}

var ctlVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show remote daemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newCtlClient().Version()
		if err != nil {
			return err
		}
		for _, k := range []string{"version", "commit", "date", "go_version", "arch"} {
			if v, ok := result[k]; ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, v)
			}
		}
		return nil
	},
}

var ctlHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newCtlClient().Health()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.ToUpper(status))
		if status != "ok" {
			return exitStatus(1)
		}
		return nil
	},
}

var ctlReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Check daemon readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newCtlClient().Ready()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.ToUpper(status))
		if status != "ready" {
			return exitStatus(1)
		}
		return nil
	},
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "", "API address host:port (default $LXPROC_ADDR or 127.0.0.1:9876)")
	ctlCmd.PersistentFlags().StringVarP(&ctlUser, "username", "u", "", "HTTP Basic Auth username")
	ctlCmd.PersistentFlags().StringVarP(&ctlPass, "password", "p", "", "HTTP Basic Auth password")

	ctlPsCmd.Flags().BoolVar(&ctlNoColor, "no-color", false, "Disable color output")
	ctlPsCmd.Flags().BoolVar(&ctlJSON, "json", false, "Output JSON")

	ctlConsoleCmd.Flags().IntVar(&consoleBytes, "bytes", 4096, "Number of bytes to show")
	ctlEventsCmd.Flags().StringSliceVar(&eventTypes, "type", nil, "Only show these event types")

	ctlCmd.AddCommand(
		ctlPsCmd, ctlShowCmd, ctlThreadCmd, ctlGroupCmd, ctlSessionCmd,
		ctlSignalCmd, ctlStatsCmd, ctlConsoleCmd, ctlEventsCmd,
		ctlShutdownCmd, ctlVersionCmd, ctlHealthCmd, ctlReadyCmd,
	)
	rootCmd.AddCommand(ctlCmd)
}
