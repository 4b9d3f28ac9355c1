package config

import "dispatcher/internal/datagram"

const (
	defaultConfigPath            = "~/.config/dispatcher/config.toml"
	defaultSocketPath            = "/tmp/stuff_dispatcher.sock"
	defaultLockPath              = "/tmp/stuff_dispatcher.lock"
	defaultPIDPath               = "/tmp/stuff_dispatcher.pid"
	defaultCommandsPath          = "~/.config/dispatcher/commands.tsv"
	defaultClientDir             = "/tmp"
	defaultClientPrefix          = "dispclient"
	defaultLogDir                = "~/.local/share/dispatcher/logs"
	defaultClientTimeoutMS       = 1000
	defaultWorkers               = 4
	defaultSocketMode            = 0o777
	defaultReloadIntervalSeconds = 30
	defaultNegativeCacheSeconds  = 5
	defaultRateBurst             = 16
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"

	// SocketEnv overrides paths.socket_path when set.
	SocketEnv = "DISPATCHER_SOCKET"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			SocketPath:   defaultSocketPath,
			LockPath:     defaultLockPath,
			PIDPath:      defaultPIDPath,
			CommandsPath: defaultCommandsPath,
			ClientDir:    defaultClientDir,
			LogDir:       defaultLogDir,
		},
		Client: Client{
			Prefix:    defaultClientPrefix,
			TimeoutMS: defaultClientTimeoutMS,
		},
		Server: Server{
			Workers:               defaultWorkers,
			MaxMessageBytes:       datagram.DefaultMaxMessageSize,
			SocketMode:            defaultSocketMode,
			AllowExit:             true,
			ReloadIntervalSeconds: defaultReloadIntervalSeconds,
			NegativeCacheSeconds:  defaultNegativeCacheSeconds,
			RateBurst:             defaultRateBurst,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
