package endpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"dispatcher/internal/config"
	"dispatcher/internal/datagram"
	"dispatcher/internal/logging"
)

// DefaultTimeout is how long Request waits for a reply when Options.Timeout is zero.
const DefaultTimeout = time.Second

// ErrClosed is returned by requests on a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

// Options configures an endpoint.
type Options struct {
	// ServerPath is the dispatcher's well-known socket.
	ServerPath string
	// Dir and Prefix select where the client socket is bound.
	Dir    string
	Prefix string
	// Timeout bounds the wait for each reply.
	Timeout time.Duration
	// MaxMessageSize bounds request payloads.
	MaxMessageSize int
	Logger         *slog.Logger
}

// OptionsFromConfig derives endpoint options from the shared configuration.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		ServerPath:     cfg.Paths.SocketPath,
		Dir:            cfg.Paths.ClientDir,
		Prefix:         cfg.Client.Prefix,
		Timeout:        cfg.ClientTimeout(),
		MaxMessageSize: cfg.Server.MaxMessageBytes,
		Logger:         logger,
	}
}

// Endpoint is a bound client socket. Requests are serialized; at most one is
// in flight at a time.
type Endpoint struct {
	conn    *net.UnixConn
	path    string
	server  *net.UnixAddr
	timeout time.Duration
	limit   int
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	buf    []byte
}

// lastStamp makes address timestamps strictly increasing within the process.
var lastStamp atomic.Int64

func nextStamp() int64 {
	for {
		now := time.Now().UnixNano()
		prev := lastStamp.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastStamp.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// Address returns the client socket path for a process id and creation timestamp.
func Address(dir, prefix string, pid int, stamp int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.%d.sock", prefix, pid, stamp))
}

// Open binds a new endpoint. Bind failures are returned without retry.
func Open(opts Options) (*Endpoint, error) {
	if opts.ServerPath == "" {
		return nil, errors.New("endpoint requires a server path")
	}
	serverPath, err := datagram.CanonicalPath(opts.ServerPath)
	if err != nil {
		return nil, err
	}
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.Prefix == "" {
		opts.Prefix = "dispclient"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = datagram.DefaultMaxMessageSize
	}
	logger := logging.NewComponentLogger(opts.Logger, "endpoint")

	path := Address(opts.Dir, opts.Prefix, os.Getpid(), nextStamp())
	conn, err := net.ListenUnixgram(datagram.Network, datagram.Addr(path))
	if err != nil {
		return nil, fmt.Errorf("bind client socket %s: %w", path, err)
	}
	logger.Debug("client socket bound",
		logging.String("socket", path),
		logging.String("server", serverPath))

	return &Endpoint{
		conn:    conn,
		path:    path,
		server:  datagram.Addr(serverPath),
		timeout: opts.Timeout,
		limit:   opts.MaxMessageSize,
		logger:  logger,
		// One spare byte detects replies above the limit.
		buf: make([]byte, opts.MaxMessageSize+1),
	}, nil
}

// With opens an endpoint, runs fn, and closes the endpoint however fn exits.
func With(opts Options, fn func(*Endpoint) error) (err error) {
	ep, err := Open(opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := ep.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ep)
}

// Addr returns the bound client socket path.
func (e *Endpoint) Addr() string {
	return e.path
}

// Request sends payload to the dispatcher and waits for one reply. ok is
// false when no reply arrived within the timeout; err is then nil.
func (e *Endpoint) Request(payload []byte) (reply []byte, ok bool, err error) {
	if err := datagram.CheckSize(payload, e.limit); err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, ErrClosed
	}

	if err := e.discardStale(); err != nil {
		return nil, false, err
	}

	if _, err := e.conn.WriteToUnix(payload, e.server); err != nil {
		return nil, false, fmt.Errorf("send request to %s: %w", e.server.Name, err)
	}

	deadline := time.Now().Add(e.timeout)
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return nil, false, fmt.Errorf("set read deadline: %w", err)
	}
	for {
		n, from, err := e.conn.ReadFromUnix(e.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				e.logger.Debug("no reply before timeout",
					logging.String("server", e.server.Name),
					logging.Duration("timeout", e.timeout))
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("receive reply: %w", err)
		}
		if from == nil || from.Name != e.server.Name {
			e.logger.Debug("discarded datagram from unexpected sender", logging.String("sender", senderName(from)))
			continue
		}
		if n > e.limit {
			return nil, false, fmt.Errorf("receive reply: %w", datagram.CheckSize(e.buf[:n], e.limit))
		}
		reply := make([]byte, n)
		copy(reply, e.buf[:n])
		return reply, true, nil
	}
}

// RequestText sends text and decodes the reply as text.
func (e *Endpoint) RequestText(text string) (string, bool, error) {
	reply, ok, err := e.Request(datagram.EncodeText(text))
	if err != nil || !ok {
		return "", ok, err
	}
	return datagram.DecodeText(reply), true, nil
}

// discardStale drops replies that arrived after an earlier request timed out,
// so they are not mistaken for the answer to the next request. It reads with
// MSG_DONTWAIT until the queue is empty.
func (e *Endpoint) discardStale() error {
	// An expired deadline from the last request would fail the raw read
	// before recvfrom runs.
	if err := e.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear read deadline: %w", err)
	}
	raw, err := e.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw client socket: %w", err)
	}
	for {
		var (
			from    unix.Sockaddr
			recvErr error
		)
		if err := raw.Read(func(fd uintptr) bool {
			_, from, recvErr = unix.Recvfrom(int(fd), e.buf, unix.MSG_DONTWAIT)
			return true
		}); err != nil {
			return fmt.Errorf("drain stale replies: %w", err)
		}
		switch {
		case recvErr == nil:
			e.logger.Debug("discarded stale reply", logging.String("sender", sockaddrName(from)))
		case errors.Is(recvErr, unix.EAGAIN):
			return nil
		case errors.Is(recvErr, unix.EINTR):
		default:
			return fmt.Errorf("drain stale replies: %w", recvErr)
		}
	}
}

// Close closes the socket and removes its address file. It is safe to call
// more than once.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if err := e.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client socket: %w", err))
	}
	if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.WarnWithContext(e.logger, "failed to remove client socket", "client_socket_cleanup_failed",
			logging.String("socket", e.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "a stale socket file remains in the client directory"),
			logging.String(logging.FieldErrorHint, "remove the file manually; it is never reused"))
		errs = append(errs, fmt.Errorf("remove client socket: %w", err))
	}
	return errors.Join(errs...)
}

func senderName(addr *net.UnixAddr) string {
	if addr == nil || addr.Name == "" {
		return "(unbound)"
	}
	return addr.Name
}

func sockaddrName(sa unix.Sockaddr) string {
	if addr, ok := sa.(*unix.SockaddrUnix); ok && addr.Name != "" {
		return addr.Name
	}
	return "(unbound)"
}
