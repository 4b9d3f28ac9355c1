package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"dispatcher/internal/config"
	"dispatcher/internal/dispatcher"
	"dispatcher/internal/endpoint"
)

const pollInterval = 50 * time.Millisecond

// ErrNotRunning indicates no dispatcher holds the lock file.
var ErrNotRunning = errors.New("dispatcher not running")

// LaunchOptions controls dispatcher process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	SocketPath string
	Echo       bool
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures dispatcher start orchestration state.
type StartResult struct {
	State StartState
	PID   int
}

// StopResult captures dispatcher stop outcome.
type StopResult struct {
	ExitAcknowledged bool
	Terminated       bool
	PID              int
}

// Status describes the dispatcher as seen from the filesystem.
type Status struct {
	Running       bool
	PID           int
	SocketPath    string
	SocketPresent bool
	LockPath      string
	CommandsPath  string
}

// Launch starts a detached `serve` process in its own session.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"serve"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if socket := strings.TrimSpace(opts.SocketPath); socket != "" {
		args = append(args, "--socket", socket)
	}
	if opts.Echo {
		args = append(args, "--echo")
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch dispatcher: %w", err)
	}
	return proc.Process.Release()
}

// Running reports whether a dispatcher holds the lock at lockPath. The probe
// takes and immediately releases a non-blocking lock.
func Running(lockPath string) (bool, error) {
	if _, err := os.Stat(lockPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat lock file: %w", err)
	}
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe lock %s: %w", lockPath, err)
	}
	if !ok {
		return true, nil
	}
	if err := lock.Unlock(); err != nil {
		return false, fmt.Errorf("release probe lock: %w", err)
	}
	return false, nil
}

// ReadPID returns the pid recorded at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file %q: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q holds %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// WaitForSocket waits until the dispatcher holds its lock and the socket file
// exists.
func WaitForSocket(cfg *config.Config, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		running, err := Running(cfg.Paths.LockPath)
		if err != nil {
			lastErr = err
		} else if running {
			_, err := os.Stat(cfg.Paths.SocketPath)
			if err == nil {
				return nil
			}
			lastErr = err
		}
		time.Sleep(pollInterval)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for dispatcher")
	}
	return fmt.Errorf("dispatcher failed to start: %w", lastErr)
}

// WaitForShutdown waits until the lock is released.
func WaitForShutdown(lockPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		running, err := Running(lockPath)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("dispatcher did not stop within %s", timeout)
		}
		time.Sleep(pollInterval)
	}
}

// EnsureStarted launches the dispatcher unless one is already running.
func EnsureStarted(cfg *config.Config, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	running, err := Running(cfg.Paths.LockPath)
	if err != nil {
		return StartResult{}, err
	}
	if running {
		pid, _ := ReadPID(cfg.Paths.PIDPath)
		return StartResult{State: StartStateAlreadyRunning, PID: pid}, nil
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	if err := WaitForSocket(cfg, waitTimeout); err != nil {
		return StartResult{}, err
	}
	pid, _ := ReadPID(cfg.Paths.PIDPath)
	return StartResult{State: StartStateStarted, PID: pid}, nil
}

// Stop asks the dispatcher to exit with an EXIT request and waits for the
// lock to be released. When the request is refused or unanswered, or the
// dispatcher outlives gracePeriod, the pid from the pid file receives SIGTERM.
func Stop(ctx context.Context, cfg *config.Config, gracePeriod time.Duration, logger *slog.Logger) (StopResult, error) {
	running, err := Running(cfg.Paths.LockPath)
	if err != nil {
		return StopResult{}, err
	}
	if !running {
		return StopResult{}, ErrNotRunning
	}

	result := StopResult{}
	result.PID, _ = ReadPID(cfg.Paths.PIDPath)

	opts := endpoint.OptionsFromConfig(cfg, logger)
	var reply string
	err = endpoint.With(opts, func(ep *endpoint.Endpoint) error {
		out, ok, err := ep.RequestText(dispatcher.ExitCommand)
		if err != nil || !ok {
			return err
		}
		reply = out
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("send exit request: %w", err)
	}
	result.ExitAcknowledged = reply == dispatcher.ReplyOK

	if result.ExitAcknowledged {
		if err := WaitForShutdown(cfg.Paths.LockPath, gracePeriod); err == nil {
			return result, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if err := terminate(result.PID); err != nil {
		return result, err
	}
	result.Terminated = true
	if err := WaitForShutdown(cfg.Paths.LockPath, gracePeriod); err != nil {
		return result, err
	}
	return result, nil
}

func terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("unable to determine dispatcher pid")
	}
	if pid == os.Getpid() {
		return fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("locate dispatcher process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate dispatcher process %d: %w", pid, err)
	}
	return nil
}

// BuildStatus inspects the lock, pid, and socket files.
func BuildStatus(cfg *config.Config) (Status, error) {
	status := Status{
		SocketPath:   cfg.Paths.SocketPath,
		LockPath:     cfg.Paths.LockPath,
		CommandsPath: cfg.Paths.CommandsPath,
	}
	running, err := Running(cfg.Paths.LockPath)
	if err != nil {
		return status, err
	}
	status.Running = running
	if running {
		status.PID, _ = ReadPID(cfg.Paths.PIDPath)
	}
	if info, err := os.Stat(cfg.Paths.SocketPath); err == nil && info.Mode()&fs.ModeSocket != 0 {
		status.SocketPresent = true
	}
	return status, nil
}
