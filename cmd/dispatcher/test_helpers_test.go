package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"dispatcher/internal/config"
	"dispatcher/internal/daemonctl"
	"dispatcher/internal/daemonrun"
	"dispatcher/internal/logging"
	"dispatcher/internal/testsupport"
)

const testCommandTable = "# test commands\nnoop\nlist\t/bin/true <args>\n"

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	cancel     context.CancelFunc
	done       chan error
}

// setupCLITestEnv writes a config file and runs a dispatcher in-process.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	env := newConfiguredEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	env.done = make(chan error, 1)
	go func() {
		env.done <- daemonrun.Run(ctx, env.cfg, daemonrun.Options{Logger: logging.NewNop()})
	}()
	if err := daemonctl.WaitForSocket(env.cfg, 5*time.Second); err != nil {
		cancel()
		t.Fatalf("dispatcher did not start: %v", err)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-env.done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return env
}

// newConfiguredEnv writes a config file without starting a dispatcher.
func newConfiguredEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.SocketEnv, "")

	cfg := testsupport.NewConfig(t, testsupport.WithCommands(testCommandTable))
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	return runCLIContext(t, context.Background(), args, configPath)
}

func runCLIContext(t *testing.T, ctx context.Context, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
