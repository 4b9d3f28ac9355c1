package main

import (
	"os"

	"github.com/spf13/cobra"
)

// configEnv supplies the --config default, matching dispatchd.
const configEnv = "DISPATCHER_CONFIG"

const (
	groupDaemon   = "daemon"
	groupRequests = "requests"
)

func newRootCommand() *cobra.Command {
	var socketFlag, configFlag string
	ctx := newCommandContext(&socketFlag, &configFlag)

	rootCmd := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Local datagram request dispatcher",
		Long:          "dispatcher runs a daemon on a well-known unix datagram socket that launches registered commands on request, and sends requests to it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Path to the dispatcher socket (overrides paths.socket_path)")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", os.Getenv(configEnv), "Configuration file path (env "+configEnv+")")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupDaemon, Title: "Daemon:"},
		&cobra.Group{ID: groupRequests, Title: "Requests:"},
	)
	daemonCmds := append(newDaemonCommands(ctx), newServeCommand(ctx))
	for _, cmd := range daemonCmds {
		cmd.GroupID = groupDaemon
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{newSendCommand(ctx), newCommandsCommand(ctx)} {
		cmd.GroupID = groupRequests
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newConfigCommand(ctx))
	return rootCmd
}
