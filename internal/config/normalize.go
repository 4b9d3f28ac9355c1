package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeClient()
	c.normalizeServer()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv(SocketEnv); ok && strings.TrimSpace(value) != "" {
		c.Paths.SocketPath = strings.TrimSpace(value)
	}
	fields := []struct {
		key   string
		value *string
	}{
		{"paths.socket_path", &c.Paths.SocketPath},
		{"paths.lock_path", &c.Paths.LockPath},
		{"paths.pid_path", &c.Paths.PIDPath},
		{"paths.commands_path", &c.Paths.CommandsPath},
		{"paths.client_dir", &c.Paths.ClientDir},
		{"paths.log_dir", &c.Paths.LogDir},
	}
	for _, field := range fields {
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.key, err)
		}
		*field.value = expanded
	}
	if c.Paths.ClientDir == "" {
		c.Paths.ClientDir = os.TempDir()
	}
	return nil
}

func (c *Config) normalizeClient() {
	c.Client.Prefix = strings.TrimSpace(c.Client.Prefix)
	if c.Client.Prefix == "" {
		c.Client.Prefix = defaultClientPrefix
	}
}

func (c *Config) normalizeServer() {
	if c.Server.Workers == 0 {
		c.Server.Workers = defaultWorkers
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		c.Server.RateBurst = defaultRateBurst
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
