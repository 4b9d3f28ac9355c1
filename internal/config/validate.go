package config

import (
	"errors"
	"fmt"
	"strings"

	"dispatcher/internal/datagram"
)

// unix(7) limits sun_path to 108 bytes including the terminating NUL.
const maxSocketPathLen = 107

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.SocketPath == "" {
		return errors.New("paths.socket_path must be set")
	}
	if len(c.Paths.SocketPath) > maxSocketPathLen {
		return fmt.Errorf("paths.socket_path is %d bytes; unix sockets allow at most %d", len(c.Paths.SocketPath), maxSocketPathLen)
	}
	if c.Paths.LockPath == "" {
		return errors.New("paths.lock_path must be set")
	}
	if c.Paths.LockPath == c.Paths.SocketPath {
		return errors.New("paths.lock_path must differ from paths.socket_path")
	}
	return nil
}

func (c *Config) validateClient() error {
	if strings.ContainsAny(c.Client.Prefix, "/\x00") {
		return fmt.Errorf("client.prefix %q must not contain path separators", c.Client.Prefix)
	}
	if c.Client.TimeoutMS <= 0 {
		return errors.New("client.timeout_ms must be positive")
	}
	// <dir>/<prefix>_<pid>.<19 digit timestamp>.sock
	longest := len(c.Paths.ClientDir) + 1 + len(c.Client.Prefix) + 1 + 10 + 1 + 19 + len(".sock")
	if longest > maxSocketPathLen {
		return fmt.Errorf("client.prefix and paths.client_dir produce socket paths up to %d bytes; unix sockets allow at most %d", longest, maxSocketPathLen)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Workers < 1 {
		return errors.New("server.workers must be at least 1")
	}
	if c.Server.MaxMessageBytes < 1 || c.Server.MaxMessageBytes > datagram.MaxMessageCeiling {
		return fmt.Errorf("server.max_message_bytes must be between 1 and %d", datagram.MaxMessageCeiling)
	}
	if c.Server.SocketMode < 0 || c.Server.SocketMode > 0o777 {
		return fmt.Errorf("server.socket_mode %#o is not a permission mask", c.Server.SocketMode)
	}
	if c.Server.ReloadIntervalSeconds < 0 {
		return errors.New("server.reload_interval_seconds must be >= 0")
	}
	if c.Server.NegativeCacheSeconds < 0 {
		return errors.New("server.negative_cache_seconds must be >= 0")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level)
	}
	return nil
}
