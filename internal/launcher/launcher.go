// Package launcher starts registered programs detached from the dispatcher.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"dispatcher/internal/logging"
)

// Launcher starts a program described by argv without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, argv []string) error
}

// Func adapts a function to the Launcher interface.
type Func func(ctx context.Context, argv []string) error

// Launch calls f.
func (f Func) Launch(ctx context.Context, argv []string) error {
	return f(ctx, argv)
}

// Exec launches programs in their own session with stdio attached to
// /dev/null. Children are reaped in the background; their exit status is only
// logged.
type Exec struct {
	Logger *slog.Logger
}

// Launch starts argv. Only failures to start are returned.
func (l Exec) Launch(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("launch: empty command")
	}
	logger := logging.WithContext(ctx, logging.NewComponentLogger(l.Logger, "launcher"))

	// Not exec.CommandContext: the child must outlive the request.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	started := time.Now()
	logger.Info("command launched",
		logging.String(logging.FieldEventType, "command_launched"),
		logging.String("program", argv[0]),
		logging.Int("args", len(argv)-1),
		logging.Int("pid", pid))

	go func() {
		err := cmd.Wait()
		attrs := []logging.Attr{
			logging.String("program", argv[0]),
			logging.Int("pid", pid),
			logging.Duration("runtime", time.Since(started)),
		}
		if err != nil {
			logging.WarnWithContext(logger, "launched command failed", "command_failed",
				append(attrs,
					logging.Error(err),
					logging.String(logging.FieldImpact, "the requested job did not complete successfully"),
					logging.String(logging.FieldErrorHint, "run the registered invocation by hand to inspect its output"))...)
			return
		}
		logger.Debug("launched command exited", logging.Args(attrs...)...)
	}()
	return nil
}
