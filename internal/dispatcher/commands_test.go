package dispatcher_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"dispatcher/internal/dispatcher"
	"dispatcher/internal/launcher"
	"dispatcher/internal/registry"
)

type recordingLauncher struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (l *recordingLauncher) Launch(_ context.Context, argv []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, argv)
	return l.err
}

func (l *recordingLauncher) launched() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]string(nil), l.calls...)
}

func writeCommands(t *testing.T, content string) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commands")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write commands: %v", err)
	}
	return registry.New(registry.Options{Path: path})
}

func handle(h dispatcher.Handler, payload string) string {
	return string(h.Handle(context.Background(), &dispatcher.Request{ID: "test", Payload: []byte(payload)}))
}

const commandTable = `# comment
backup	/usr/bin/rsync -a <args> /srv/backup
reindex	/usr/local/bin/reindex --all
noop
`

func TestCommandHandlerReplies(t *testing.T) {
	launch := &recordingLauncher{}
	h := &dispatcher.CommandHandler{
		Commands: writeCommands(t, commandTable),
		Launcher: launch,
	}

	cases := []struct {
		name    string
		payload string
		want    string
		argv    []string
	}{
		{name: "unknown", payload: "missing", want: dispatcher.ReplyNotFound},
		{name: "noop", payload: "noop", want: dispatcher.ReplyOK},
		{name: "no args", payload: "reindex", want: dispatcher.ReplyOK, argv: []string{"/usr/local/bin/reindex", "--all"}},
		{name: "args substituted", payload: "backup /home /etc", want: dispatcher.ReplyOK,
			argv: []string{"/usr/bin/rsync", "-a", "/home", "/etc", "/srv/backup"}},
		{name: "placeholder erased", payload: "backup", want: dispatcher.ReplyOK,
			argv: []string{"/usr/bin/rsync", "-a", "/srv/backup"}},
		{name: "nul terminated", payload: "reindex\x00garbage", want: dispatcher.ReplyOK, argv: []string{"/usr/local/bin/reindex", "--all"}},
		{name: "trailing newline", payload: "reindex\r\n", want: dispatcher.ReplyOK, argv: []string{"/usr/local/bin/reindex", "--all"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := len(launch.launched())
			if got := handle(h, tc.payload); got != tc.want {
				t.Fatalf("reply = %q, want %q", got, tc.want)
			}
			calls := launch.launched()
			if tc.argv == nil {
				if len(calls) != before {
					t.Fatalf("unexpected launch %v", calls[before:])
				}
				return
			}
			if len(calls) != before+1 {
				t.Fatalf("expected one launch, got %d", len(calls)-before)
			}
			if got := calls[before]; !reflect.DeepEqual(got, tc.argv) {
				t.Fatalf("argv = %q, want %q", got, tc.argv)
			}
		})
	}
}

func TestCommandHandlerLaunchFailure(t *testing.T) {
	h := &dispatcher.CommandHandler{
		Commands: writeCommands(t, commandTable),
		Launcher: &recordingLauncher{err: errors.New("exec format error")},
	}
	if got := handle(h, "reindex"); got != dispatcher.ReplyCommandFailed {
		t.Fatalf("reply = %q, want %q", got, dispatcher.ReplyCommandFailed)
	}
}

func TestCommandHandlerRealLaunchFailure(t *testing.T) {
	h := &dispatcher.CommandHandler{
		Commands: writeCommands(t, "broken\t/nonexistent/dispatcher-test-binary\n"),
		Launcher: launcher.Exec{},
	}
	if got := handle(h, "broken"); got != dispatcher.ReplyCommandFailed {
		t.Fatalf("reply = %q, want %q", got, dispatcher.ReplyCommandFailed)
	}
}

func TestCommandHandlerExit(t *testing.T) {
	var stopped int
	h := &dispatcher.CommandHandler{
		Commands: writeCommands(t, commandTable),
		Launcher: &recordingLauncher{},
		Stop:     func() { stopped++ },
	}
	if got := handle(h, "EXIT"); got != dispatcher.ReplyDenied {
		t.Fatalf("EXIT without permission answered %q", got)
	}
	if stopped != 0 {
		t.Fatal("Stop must not run when EXIT is disabled")
	}

	h.AllowExit = true
	if got := handle(h, "EXIT\n"); got != dispatcher.ReplyOK {
		t.Fatalf("EXIT answered %q", got)
	}
	if stopped != 1 {
		t.Fatalf("Stop called %d times, want 1", stopped)
	}
}

func TestExitRequestStopsServer(t *testing.T) {
	opts := serverOptions(shortDir(t))
	h := &dispatcher.CommandHandler{
		Commands:  writeCommands(t, commandTable),
		Launcher:  &recordingLauncher{},
		AllowExit: true,
	}
	srv, err := dispatcher.Listen(opts, h)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	h.Stop = srv.Shutdown

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	r := &running{srv: srv, opts: opts, done: done}

	ep := client(t, r, 2*time.Second)
	if got := request(t, ep, "noop"); got != dispatcher.ReplyOK {
		t.Fatalf("noop answered %q", got)
	}
	if got := request(t, ep, dispatcher.ExitCommand); got != dispatcher.ReplyOK {
		t.Fatalf("EXIT answered %q", got)
	}
	if err := r.wait(t); err != nil {
		t.Fatalf("Serve returned %v", err)
	}
}
