package launcher_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dispatcher/internal/launcher"
)

func TestExecLaunchRunsDetached(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	marker := filepath.Join(t.TempDir(), "marker")
	script := "echo $$ > " + marker + "; ps -o sid= -p $$ >> " + marker + " 2>/dev/null || true"

	if err := (launcher.Exec{}).Launch(context.Background(), []string{sh, "-c", script}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(marker)
		if err == nil && strings.Count(string(data), "\n") >= 1 {
			lines := strings.Fields(string(data))
			if len(lines) >= 2 && lines[0] != lines[1] {
				t.Fatalf("expected child to lead its own session, pid=%s sid=%s", lines[0], lines[1])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("launched command never wrote marker (err=%v)", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestExecLaunchMissingProgram(t *testing.T) {
	err := (launcher.Exec{}).Launch(context.Background(), []string{filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("expected start failure for missing program")
	}
}

func TestExecLaunchEmpty(t *testing.T) {
	if err := (launcher.Exec{}).Launch(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}
