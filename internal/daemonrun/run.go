package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"dispatcher/internal/config"
	"dispatcher/internal/dispatcher"
	"dispatcher/internal/launcher"
	"dispatcher/internal/logging"
	"dispatcher/internal/registry"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides logging.level when set.
	LogLevel string
	// Echo answers every request with its payload instead of running commands.
	Echo bool
	// Logger replaces the configured logger.
	Logger *slog.Logger
}

// Run starts the dispatcher and blocks until it is asked to exit, receives
// SIGINT, SIGTERM or SIGHUP, or cmdCtx is canceled. The socket, lock and pid
// files are cleaned up on every return path after the socket is bound.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	runCfg := *cfg
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		runCfg.Logging.Level = level
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	if err := runCfg.EnsureDirectories(); err != nil {
		return err
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.NewFromConfig(&runCfg)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
	}

	var handler dispatcher.Handler = dispatcher.EchoHandler
	var commands *dispatcher.CommandHandler
	if !opts.Echo {
		commands = &dispatcher.CommandHandler{
			Commands: registry.New(registry.Options{
				Path:           runCfg.Paths.CommandsPath,
				ReloadInterval: runCfg.ReloadInterval(),
				NegativeWindow: runCfg.NegativeCacheWindow(),
				Logger:         logger,
			}),
			Launcher:  launcher.Exec{Logger: logger},
			AllowExit: runCfg.Server.AllowExit,
			Logger:    logger,
		}
		handler = commands
	}

	server, err := dispatcher.Listen(dispatcher.OptionsFromConfig(&runCfg, logger), handler)
	if err != nil {
		if errors.Is(err, dispatcher.ErrAlreadyRunning) {
			logger.Error("dispatcher already running",
				logging.String(logging.FieldEventType, "already_running"),
				logging.String("lock", runCfg.Paths.LockPath),
				logging.String(logging.FieldErrorHint, "stop the running instance with 'dispatcher stop'"))
		}
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error("dispatcher cleanup incomplete", logging.Error(err))
		}
	}()
	if commands != nil {
		commands.Stop = server.Shutdown
	}

	if err := writePIDFile(runCfg.Paths.PIDPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer removePIDFile(logger, runCfg.Paths.PIDPath)

	logger.Info("dispatcher started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.Int("pid", os.Getpid()),
		logging.Bool("echo", opts.Echo),
		logging.String("commands", runCfg.Paths.CommandsPath))

	if err := server.Serve(signalCtx); err != nil {
		return err
	}
	stats := server.Stats()
	logger.Info("dispatcher shutting down",
		logging.String(logging.FieldEventType, "daemon_stopped"),
		logging.Uint64("received", stats.Received),
		logging.Uint64("replied", stats.Replied),
		logging.Uint64("rejected", stats.Rejected),
		logging.Uint64("dropped", stats.Dropped))
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func removePIDFile(logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.WarnWithContext(logger, "failed to remove pid file", "pid_cleanup_failed",
			logging.String("path", path),
			logging.Error(err))
	}
}
