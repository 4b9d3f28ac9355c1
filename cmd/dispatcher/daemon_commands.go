package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dispatcher/internal/daemonctl"
	"dispatcher/internal/logging"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startEcho bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the dispatcher in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(ctx.configValue(), exe, ctx.launchOptions(startEcho), 10*time.Second)
			if err != nil {
				return err
			}

			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Dispatcher started"+pidSuffix(result.PID))
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Dispatcher already running"+pidSuffix(result.PID))
			}
			return nil
		},
	}
	startCmd.Flags().BoolVar(&startEcho, "echo", false, "Echo requests instead of running commands")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.Stop(cmd.Context(), ctx.configValue(), 5*time.Second, logging.NewNop())
			if errors.Is(err, daemonctl.ErrNotRunning) {
				fmt.Fprintln(stdout, "Dispatcher is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.Terminated && result.PID > 0 {
				fmt.Fprintf(stdout, "Terminated dispatcher process (pid %d)\n", result.PID)
			}
			fmt.Fprintln(stdout, "Dispatcher stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show dispatcher status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			status, err := daemonctl.BuildStatus(cfg)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			renderStatus(stdout, statusRows(cfg, status), shouldColorize(stdout))
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func pidSuffix(pid int) string {
	if pid <= 0 {
		return ""
	}
	return fmt.Sprintf(" (pid %d)", pid)
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}
