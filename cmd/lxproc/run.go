package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/kahiteam/lxproc/internal/config"
	"github.com/kahiteam/lxproc/internal/demo"
	"github.com/kahiteam/lxproc/internal/logging"
	"github.com/kahiteam/lxproc/internal/supervisor"
)

var (
	runConfig string
	runServe  bool
	runWeb    bool
	runListen string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the kernel and run init until it exits",
	Long: "Boot the kernel with the built-in init program and block until init exits\n" +
		"or the daemon is asked to stop. The exit status mirrors init's.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRunConfig(cmd)
		if err != nil {
			return err
		}
		if runServe {
			cfg.Server.Enabled = true
		}
		if runWeb {
			cfg.Server.Enabled = true
			cfg.Server.Web = true
		}
		if runListen != "" {
			cfg.Server.Enabled = true
			cfg.Server.Listen = runListen
		}

		logger, closeLog, err := logging.Open(cfg.Log)
		if err != nil {
			return err
		}
		if closeLog != nil {
			defer closeLog()
		}

		s, err := supervisor.New(supervisor.Options{
			Config:   cfg,
			Logger:   logger,
			Echo:     cmd.OutOrStdout(),
			Programs: demo.Programs(cfg.Kernel.Init),
		})
		if err != nil {
			return err
		}

		// Host signals are handled by the supervisor itself.
		status, err := s.Run(cmd.Context())
		if err != nil {
			return err
		}
		return statusError(unix.WaitStatus(status))
	},
}

// loadRunConfig loads the config named by --config or found on the search
// path. Without either it runs on built-in defaults.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := config.Resolve(runConfig)
	if err != nil {
		if runConfig != "" || os.Getenv("LXPROC_CONFIG") != "" {
			return nil, err
		}
		cfg, _, err := config.LoadBytes(nil, "defaults")
		return cfg, err
	}
	cfg, warnings, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	return cfg, nil
}

// statusError maps init's wait status to the command's exit status the way
// a shell does.
func statusError(ws unix.WaitStatus) error {
	switch {
	case ws.Exited() && ws.ExitStatus() == 0:
		return nil
	case ws.Exited():
		return exitStatus(ws.ExitStatus())
	case ws.Signaled():
		return exitStatus(128 + int(ws.Signal()))
	default:
		return exitStatus(1)
	}
}

func init() {
	runCmd.Flags().StringVarP(&runConfig, "config", "c", "", "config file path")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "enable the introspection API")
	runCmd.Flags().BoolVar(&runWeb, "web", false, "serve the HTML dashboard (implies --serve)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "API listen address (implies --serve)")
	rootCmd.AddCommand(runCmd)
}
