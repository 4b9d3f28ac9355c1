package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"dispatcher/internal/config"
	"dispatcher/internal/daemonctl"
	"dispatcher/internal/datagram"
	"dispatcher/internal/endpoint"
)

type commandContext struct {
	socketFlag *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(socketFlag, configFlag *string) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if socket := c.socketOverride(); socket != "" {
			expanded, err := config.ExpandPath(socket)
			if err != nil {
				c.configErr = fmt.Errorf("resolve socket path: %w", err)
				return
			}
			cfg.Paths.SocketPath = expanded
			if err := cfg.Validate(); err != nil {
				c.configErr = err
				return
			}
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) socketOverride() string {
	if c.socketFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.socketFlag)
}

func (c *commandContext) endpointOptions(logger *slog.Logger) (endpoint.Options, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return endpoint.Options{}, err
	}
	return endpoint.OptionsFromConfig(cfg, logger), nil
}

func (c *commandContext) launchOptions(echo bool) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		ConfigPath: c.configPath(),
		SocketPath: c.socketOverride(),
		Echo:       echo,
	}
}

func wrapRequestError(err error, socket string) error {
	switch {
	case datagram.IsUnreachable(err):
		return fmt.Errorf("send request: no dispatcher bound at %s; start it with `dispatcher start`", socket)
	case errors.Is(err, syscall.EACCES):
		return fmt.Errorf("send request: permission denied on %s; check server.socket_mode", socket)
	default:
		return fmt.Errorf("send request: %w", err)
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
