package dispatcher_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dispatcher/internal/datagram"
	"dispatcher/internal/dispatcher"
	"dispatcher/internal/endpoint"
)

// shortDir returns a temp directory short enough for sun_path.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dsp")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func serverOptions(dir string) dispatcher.Options {
	return dispatcher.Options{
		SocketPath:     filepath.Join(dir, "d.sock"),
		LockPath:       filepath.Join(dir, "d.lock"),
		SocketMode:     0o777,
		MaxMessageSize: datagram.DefaultMaxMessageSize,
		Workers:        4,
	}
}

type running struct {
	srv  *dispatcher.Server
	opts dispatcher.Options
	done chan error
}

// start listens and serves in the background. Cleanup shuts the server down
// and closes it.
func start(t *testing.T, opts dispatcher.Options, handler dispatcher.Handler) *running {
	t.Helper()
	srv, err := dispatcher.Listen(opts, handler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	r := &running{srv: srv, opts: opts, done: make(chan error, 1)}
	go func() { r.done <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
		_ = srv.Close()
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		r.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func client(t *testing.T, r *running, timeout time.Duration) *endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.Open(endpoint.Options{
		ServerPath:     r.opts.SocketPath,
		Dir:            filepath.Dir(r.opts.SocketPath),
		Prefix:         "c",
		Timeout:        timeout,
		MaxMessageSize: datagram.MaxMessageCeiling,
	})
	if err != nil {
		t.Fatalf("Open endpoint: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func request(t *testing.T, ep *endpoint.Endpoint, text string) string {
	t.Helper()
	reply, ok, err := ep.RequestText(text)
	if err != nil {
		t.Fatalf("RequestText(%q): %v", text, err)
	}
	if !ok {
		t.Fatalf("RequestText(%q): no reply", text)
	}
	return reply
}

func TestServeUpperHandler(t *testing.T) {
	r := start(t, serverOptions(shortDir(t)), dispatcher.UpperHandler)
	ep := client(t, r, 2*time.Second)

	for _, text := range []string{"PING", "ping", "Hello, world"} {
		want := string(bytes.ToUpper([]byte(text)))
		if got := request(t, ep, text); got != want {
			t.Fatalf("reply to %q = %q, want %q", text, got, want)
		}
	}
	if stats := r.srv.Stats(); stats.Received != 3 || stats.Rejected != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestServeEchoRoundTripIdentity(t *testing.T) {
	r := start(t, serverOptions(shortDir(t)), dispatcher.EchoHandler)
	ep := client(t, r, 2*time.Second)

	for _, size := range []int{0, 1, datagram.DefaultMaxMessageSize} {
		payload := bytes.Repeat([]byte{'x'}, size)
		reply, ok, err := ep.Request(payload)
		if err != nil {
			t.Fatalf("Request(%d bytes): %v", size, err)
		}
		if !ok {
			t.Fatalf("Request(%d bytes): no reply", size)
		}
		if !bytes.Equal(reply, payload) {
			t.Fatalf("Request(%d bytes): reply of %d bytes differs", size, len(reply))
		}
	}
}

func TestListenRelativeSocketPath(t *testing.T) {
	dir := shortDir(t)
	t.Chdir(dir)
	opts := serverOptions(dir)
	opts.SocketPath = "d.sock"
	r := start(t, opts, dispatcher.UpperHandler)

	if want := filepath.Join(dir, "d.sock"); r.srv.Addr() != want {
		t.Fatalf("Addr() = %q, want %q", r.srv.Addr(), want)
	}
	ep := client(t, r, 2*time.Second)
	if got := request(t, ep, "rel"); got != "REL" {
		t.Fatalf("reply = %q, want REL", got)
	}
}

func TestServeConcurrentClients(t *testing.T) {
	r := start(t, serverOptions(shortDir(t)), dispatcher.EchoHandler)

	const clients = 16
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := endpoint.With(endpoint.Options{
				ServerPath: r.opts.SocketPath,
				Dir:        filepath.Dir(r.opts.SocketPath),
				Prefix:     "c",
				Timeout:    2 * time.Second,
			}, func(ep *endpoint.Endpoint) error {
				for j := range 5 {
					text := fmt.Sprintf("client-%d-%d", i, j)
					reply, ok, err := ep.RequestText(text)
					if err != nil {
						return err
					}
					if !ok || reply != text {
						return fmt.Errorf("reply to %q = %q (ok=%v)", text, reply, ok)
					}
				}
				return nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServeRejectsOversizedRequest(t *testing.T) {
	opts := serverOptions(shortDir(t))
	opts.MaxMessageSize = 16
	r := start(t, opts, dispatcher.EchoHandler)
	ep := client(t, r, 2*time.Second)

	if got := request(t, ep, "0123456789abcdef"); got != "0123456789abcdef" {
		t.Fatalf("limit-sized request echoed %q", got)
	}
	if got := request(t, ep, "0123456789abcdefX"); got != dispatcher.ReplyTooLarge {
		t.Fatalf("oversized request answered %q, want %q", got, dispatcher.ReplyTooLarge)
	}
	if stats := r.srv.Stats(); stats.Rejected != 1 {
		t.Fatalf("expected one rejected request, got %+v", stats)
	}
}

func TestServeReplacesOversizedReply(t *testing.T) {
	opts := serverOptions(shortDir(t))
	opts.MaxMessageSize = 8
	r := start(t, opts, dispatcher.HandlerFunc(func(context.Context, *dispatcher.Request) []byte {
		return []byte("far too long for the limit")
	}))
	ep := client(t, r, 2*time.Second)
	if got := request(t, ep, "x"); got != dispatcher.ReplyError {
		t.Fatalf("reply = %q, want %q", got, dispatcher.ReplyError)
	}
}

func TestServeRecoversHandlerPanic(t *testing.T) {
	r := start(t, serverOptions(shortDir(t)), dispatcher.HandlerFunc(func(_ context.Context, req *dispatcher.Request) []byte {
		if string(req.Payload) == "boom" {
			panic("handler exploded")
		}
		return req.Payload
	}))
	ep := client(t, r, 2*time.Second)

	if got := request(t, ep, "boom"); got != dispatcher.ReplyError {
		t.Fatalf("panicking request answered %q", got)
	}
	if got := request(t, ep, "still alive"); got != "still alive" {
		t.Fatalf("server did not survive panic, got %q", got)
	}
}

func TestServeRateLimitRepliesBusy(t *testing.T) {
	opts := serverOptions(shortDir(t))
	opts.RateLimit = 0.001
	opts.RateBurst = 1
	r := start(t, opts, dispatcher.EchoHandler)
	ep := client(t, r, 2*time.Second)

	if got := request(t, ep, "first"); got != "first" {
		t.Fatalf("first request answered %q", got)
	}
	if got := request(t, ep, "second"); got != dispatcher.ReplyBusy {
		t.Fatalf("second request answered %q, want %q", got, dispatcher.ReplyBusy)
	}
}

func TestServeNilReplySendsNothing(t *testing.T) {
	r := start(t, serverOptions(shortDir(t)), dispatcher.HandlerFunc(func(context.Context, *dispatcher.Request) []byte {
		return nil
	}))
	ep := client(t, r, 200*time.Millisecond)

	_, ok, err := ep.RequestText("quiet")
	if err != nil {
		t.Fatalf("RequestText: %v", err)
	}
	if ok {
		t.Fatal("expected no reply")
	}
}

func TestServeUnboundSenderIsDropped(t *testing.T) {
	r := start(t, serverOptions(shortDir(t)), dispatcher.EchoHandler)

	conn, err := net.DialUnix(datagram.Network, nil, datagram.Addr(r.opts.SocketPath))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("anonymous")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.srv.Stats().Dropped == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the reply to be dropped, stats %+v", r.srv.Stats())
}

func TestServeReplyFailureKeepsServing(t *testing.T) {
	release := make(chan struct{})
	r := start(t, serverOptions(shortDir(t)), dispatcher.HandlerFunc(func(_ context.Context, req *dispatcher.Request) []byte {
		if string(req.Payload) == "slow" {
			<-release
		}
		return req.Payload
	}))

	gone := client(t, r, 50*time.Millisecond)
	if _, ok, err := gone.RequestText("slow"); err != nil || ok {
		t.Fatalf("expected timeout, got ok=%v err=%v", ok, err)
	}
	if err := gone.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(release)

	ep := client(t, r, 2*time.Second)
	if got := request(t, ep, "after"); got != "after" {
		t.Fatalf("reply = %q", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.srv.Stats().Dropped == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.srv.Stats().Dropped != 1 {
		t.Fatalf("expected the reply to the closed client to be dropped, stats %+v", r.srv.Stats())
	}
}

func TestListenAlreadyRunning(t *testing.T) {
	opts := serverOptions(shortDir(t))
	start(t, opts, dispatcher.EchoHandler)

	second := opts
	second.SocketPath = filepath.Join(filepath.Dir(opts.SocketPath), "other.sock")
	if _, err := dispatcher.Listen(second, dispatcher.EchoHandler); !errors.Is(err, dispatcher.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if _, err := os.Stat(second.SocketPath); !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("losing instance must not bind its socket")
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	opts := serverOptions(shortDir(t))
	stale, err := net.ListenUnixgram(datagram.Network, datagram.Addr(opts.SocketPath))
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	// Closing leaves the file behind, as a crashed dispatcher would.
	_ = stale.Close()
	if _, err := os.Stat(opts.SocketPath); err != nil {
		t.Fatalf("expected stale socket file: %v", err)
	}

	r := start(t, opts, dispatcher.UpperHandler)
	if got := request(t, client(t, r, 2*time.Second), "ping"); got != "PING" {
		t.Fatalf("reply = %q", got)
	}
}

func TestListenRefusesNonSocketPath(t *testing.T) {
	opts := serverOptions(shortDir(t))
	if err := os.WriteFile(opts.SocketPath, []byte("data"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := dispatcher.Listen(opts, dispatcher.EchoHandler); err == nil {
		t.Fatal("expected error for a regular file at the socket path")
	}
	if data, err := os.ReadFile(opts.SocketPath); err != nil || string(data) != "data" {
		t.Fatalf("regular file was modified: %q %v", data, err)
	}
	// The failed attempt releases the lock.
	srv, err := dispatcher.Listen(serverOptionsAt(opts, "ok.sock"), dispatcher.EchoHandler)
	if err != nil {
		t.Fatalf("Listen after failure: %v", err)
	}
	_ = srv.Close()
}

func serverOptionsAt(opts dispatcher.Options, name string) dispatcher.Options {
	opts.SocketPath = filepath.Join(filepath.Dir(opts.SocketPath), name)
	return opts
}

func TestListenAppliesSocketMode(t *testing.T) {
	opts := serverOptions(shortDir(t))
	r := start(t, opts, dispatcher.EchoHandler)
	info, err := os.Stat(r.srv.Addr())
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		t.Fatalf("expected a socket, got mode %v", info.Mode())
	}
	if perm := info.Mode().Perm(); perm != 0o777 {
		t.Fatalf("socket permissions = %o, want 777", perm)
	}
}

func TestCloseRemovesSocketAndReleasesLock(t *testing.T) {
	opts := serverOptions(shortDir(t))
	srv, err := dispatcher.Listen(opts, dispatcher.EchoHandler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v after Close", err)
	}
	if _, err := os.Stat(opts.SocketPath); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("socket file should be removed, stat err %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	again, err := dispatcher.Listen(opts, dispatcher.EchoHandler)
	if err != nil {
		t.Fatalf("Listen after Close: %v", err)
	}
	_ = again.Close()
}

func TestServeStopsOnContextCancel(t *testing.T) {
	opts := serverOptions(shortDir(t))
	srv, err := dispatcher.Listen(opts, dispatcher.EchoHandler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop on cancellation")
	}
}

func TestShutdownDrainsInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	var handled bool
	r := start(t, serverOptions(shortDir(t)), dispatcher.HandlerFunc(func(_ context.Context, req *dispatcher.Request) []byte {
		close(started)
		<-finish
		handled = true
		return req.Payload
	}))
	ep := client(t, r, 2*time.Second)

	replies := make(chan string, 1)
	go func() {
		reply, _, _ := ep.RequestText("slow")
		replies <- reply
	}()
	<-started
	r.srv.Shutdown()
	close(finish)

	if err := r.wait(t); err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if !handled {
		t.Fatal("Serve returned before the in-flight handler finished")
	}
	if got := <-replies; got != "slow" {
		t.Fatalf("in-flight request answered %q", got)
	}
}

func TestListenRequiresHandlerAndPaths(t *testing.T) {
	opts := serverOptions(shortDir(t))
	if _, err := dispatcher.Listen(opts, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	opts.LockPath = ""
	if _, err := dispatcher.Listen(opts, dispatcher.EchoHandler); err == nil {
		t.Fatal("expected error for missing lock path")
	}
}
