package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"dispatcher/internal/config"
	"dispatcher/internal/registry"
)

const sampleCommandTable = `# name<TAB>invocation
# <args> is replaced by the words after the name; a name without a tab is a noop.
noop
`

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(newConfigValidateCommand(ctx), newConfigInitCommand())
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		targetPath   string
		overwrite    bool
		withCommands bool
	)

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := initTarget(targetPath)
			if err != nil {
				return err
			}
			if err := refuseExisting(target, overwrite); err != nil {
				return err
			}
			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			if !withCommands {
				fmt.Fprintln(out, "Register commands in the file named by paths.commands_path before starting the dispatcher.")
				return nil
			}
			cfg, _, _, err := config.Load(target)
			if err != nil {
				return fmt.Errorf("load sample config: %w", err)
			}
			return writeSampleCommands(out, cfg.Paths.CommandsPath)
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	cmd.Flags().BoolVar(&withCommands, "commands", false, "Also create a starter command table when none exists")
	return cmd
}

func initTarget(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		target, err := config.DefaultConfigPath()
		if err != nil {
			return "", fmt.Errorf("determine default config path: %w", err)
		}
		return target, nil
	}
	target, err := config.ExpandPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return target, nil
}

func refuseExisting(target string, overwrite bool) error {
	if overwrite {
		return nil
	}
	_, err := os.Stat(target)
	switch {
	case err == nil:
		return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("check config path: %w", err)
	}
}

// writeSampleCommands never replaces an existing table.
func writeSampleCommands(out io.Writer, path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "Keeping existing command table %s\n", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create command table directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleCommandTable), 0o644); err != nil {
		return fmt.Errorf("write command table: %w", err)
	}
	fmt.Fprintf(out, "Wrote starter command table to %s\n", path)
	return nil
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration file and command table",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load(ctx.configPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", path)
			if !exists {
				fmt.Fprintln(out, "Config file did not exist; defaults were used")
			}
			fmt.Fprintf(out, "Socket: %s (max %d bytes, %d workers)\n",
				cfg.Paths.SocketPath, cfg.Server.MaxMessageBytes, cfg.Server.Workers)

			// A missing table is allowed: the daemon answers NOT FOUND until it appears.
			entries, err := registry.Load(cfg.Paths.CommandsPath)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				fmt.Fprintf(out, "Commands: %s does not exist yet\n", cfg.Paths.CommandsPath)
			case err != nil:
				return fmt.Errorf("command table: %w", err)
			default:
				fmt.Fprintf(out, "Commands: %d registered in %s\n", len(entries), cfg.Paths.CommandsPath)
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}
