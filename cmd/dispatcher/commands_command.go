package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dispatcher/internal/registry"
)

func newCommandsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List registered commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			entries, err := registry.New(registry.Options{Path: cfg.Paths.CommandsPath}).Entries()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(stdout, "No commands registered in %s\n", cfg.Paths.CommandsPath)
				return nil
			}

			fmt.Fprint(stdout, renderCommands(entries))
			return nil
		},
	}
}
