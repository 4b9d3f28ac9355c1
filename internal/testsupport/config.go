package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"dispatcher/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config whose paths all live in a unique temp
// directory. The directory sits directly under os.TempDir so socket paths
// stay within the sun_path limit, which t.TempDir does not guarantee.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base, err := os.MkdirTemp("", "dsp")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(base) })

	cfgVal := config.Default()
	cfgVal.Paths.SocketPath = filepath.Join(base, "d.sock")
	cfgVal.Paths.LockPath = filepath.Join(base, "d.lock")
	cfgVal.Paths.PIDPath = filepath.Join(base, "d.pid")
	cfgVal.Paths.CommandsPath = filepath.Join(base, "commands.tsv")
	cfgVal.Paths.ClientDir = base
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Client.Prefix = "c"
	cfgVal.Logging.Level = "error"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithCommands writes a command table to the config's commands path.
func WithCommands(table string) ConfigOption {
	return func(b *configBuilder) {
		if err := os.WriteFile(b.cfg.Paths.CommandsPath, []byte(table), 0o644); err != nil {
			b.t.Fatalf("write command table: %v", err)
		}
	}
}

// WithStubbedBinaries writes stub executables for the provided names into
// BinDir. Each stub records its arguments in <name>.ran next to itself.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\necho \"$@\" > \"$0.ran.tmp\" && mv \"$0.ran.tmp\" \"$0.ran\"\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.SocketPath)
}

// BinDir returns the directory holding stubs written by WithStubbedBinaries.
func BinDir(cfg *config.Config) string {
	return filepath.Join(BaseDir(cfg), "bin")
}
