package main

import (
	"github.com/spf13/cobra"

	"dispatcher/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var echo bool
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel: logLevel,
				Echo:     echo,
			})
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "Echo requests instead of running commands")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	return cmd
}
