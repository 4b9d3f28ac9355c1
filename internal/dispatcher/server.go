package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dispatcher/internal/config"
	"dispatcher/internal/datagram"
	"dispatcher/internal/logging"
)

const (
	lockWait  = 250 * time.Millisecond
	lockRetry = 10 * time.Millisecond
)

// ErrAlreadyRunning reports that another dispatcher holds the lock file.
var ErrAlreadyRunning = errors.New("another dispatcher instance is already running")

// Options configures a Server.
type Options struct {
	SocketPath string
	LockPath   string
	// SocketMode is applied to the socket file after bind; zero leaves the
	// umask-derived mode.
	SocketMode     os.FileMode
	MaxMessageSize int
	Workers        int
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

// OptionsFromConfig derives server options from the shared configuration.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		SocketPath:     cfg.Paths.SocketPath,
		LockPath:       cfg.Paths.LockPath,
		SocketMode:     cfg.SocketFileMode(),
		MaxMessageSize: cfg.Server.MaxMessageBytes,
		Workers:        cfg.Server.Workers,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		Logger:         logger,
	}
}

// Stats counts datagrams handled by a Server.
type Stats struct {
	Received uint64
	Replied  uint64
	Rejected uint64
	Dropped  uint64
}

// Server receives requests on the well-known socket.
type Server struct {
	path    string
	conn    *net.UnixConn
	lock    *flock.Flock
	handler Handler
	limit   int
	workers int
	limiter *rate.Limiter
	logger  *slog.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
	closeOnce    sync.Once
	closeErr     error

	received atomic.Uint64
	replied  atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

// Listen acquires the lock file and binds the well-known socket.
func Listen(opts Options, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("dispatcher requires a handler")
	}
	if opts.SocketPath == "" || opts.LockPath == "" {
		return nil, errors.New("dispatcher requires socket and lock paths")
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = datagram.DefaultMaxMessageSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	socketPath, err := datagram.CanonicalPath(opts.SocketPath)
	if err != nil {
		return nil, err
	}
	opts.SocketPath = socketPath
	logger := logging.NewComponentLogger(opts.Logger, "dispatcher")

	// A short retry rides out status probes that hold the lock momentarily.
	lock := flock.New(opts.LockPath)
	lockCtx, cancel := context.WithTimeout(context.Background(), lockWait)
	ok, err := lock.TryLockContext(lockCtx, lockRetry)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) || (err == nil && !ok) {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, opts.LockPath)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", opts.LockPath, err)
	}

	conn, err := bind(opts, logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	attrs := []logging.Attr{
		logging.String("socket", opts.SocketPath),
		logging.String("lock", opts.LockPath),
		logging.Int("workers", opts.Workers),
		logging.Int("max_message_bytes", opts.MaxMessageSize),
	}
	if size, err := datagram.SendBufferSize(conn); err == nil {
		attrs = append(attrs, logging.Int("send_buffer_bytes", size))
	}
	logger.Info("dispatcher listening", logging.Args(attrs...)...)

	return &Server{
		path:     opts.SocketPath,
		conn:     conn,
		lock:     lock,
		handler:  handler,
		limit:    opts.MaxMessageSize,
		workers:  opts.Workers,
		limiter:  limiter,
		logger:   logger,
		shutdown: make(chan struct{}),
	}, nil
}

// bind removes a stale socket left by a crashed instance and binds a new one.
// The caller holds the lock, so any socket at the path is not in use.
func bind(opts Options, logger *slog.Logger) (*net.UnixConn, error) {
	info, err := os.Lstat(opts.SocketPath)
	switch {
	case err == nil && info.Mode()&fs.ModeSocket == 0:
		return nil, fmt.Errorf("socket path %s exists and is not a socket", opts.SocketPath)
	case err == nil:
		if err := os.Remove(opts.SocketPath); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		logger.Info("removed stale socket", logging.String("socket", opts.SocketPath))
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("stat socket path: %w", err)
	}

	conn, err := net.ListenUnixgram(datagram.Network, datagram.Addr(opts.SocketPath))
	if err != nil {
		return nil, fmt.Errorf("bind socket %s: %w", opts.SocketPath, err)
	}
	if opts.SocketMode != 0 {
		if err := os.Chmod(opts.SocketPath, opts.SocketMode); err != nil {
			_ = conn.Close()
			_ = os.Remove(opts.SocketPath)
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
	}
	return conn, nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.path
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Replied:  s.replied.Load(),
		Rejected: s.rejected.Load(),
		Dropped:  s.dropped.Load(),
	}
}

// Shutdown stops Serve. In-flight requests finish before Serve returns.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Server) stopping(ctx context.Context) bool {
	select {
	case <-s.shutdown:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Serve receives datagrams until Shutdown is called or ctx is canceled. It
// returns an error only when the socket fails.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		// Unblocks the pending read.
		_ = s.conn.SetReadDeadline(time.Now())
	}()

	var workers errgroup.Group
	workers.SetLimit(s.workers)

	// One spare byte detects datagrams above the limit.
	buf := make([]byte, s.limit+1)
	var serveErr error
	for {
		n, from, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if s.stopping(ctx) || errors.Is(err, net.ErrClosed) {
				break
			}
			serveErr = fmt.Errorf("receive request: %w", err)
			break
		}
		s.received.Add(1)

		// Never nil: an empty request still gets an empty reply from echoing handlers.
		payload := make([]byte, n)
		copy(payload, buf[:n])
		req := &Request{
			ID:       uuid.NewString(),
			Payload:  payload,
			Source:   from,
			Received: time.Now(),
		}
		if n > s.limit {
			s.reject(ctx, req, ReplyTooLarge, "request exceeds datagram limit")
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.reject(ctx, req, ReplyBusy, "request rate limit exceeded")
			continue
		}

		workers.Go(func() error {
			s.handle(ctx, req)
			return nil
		})
	}

	_ = workers.Wait()
	if serveErr != nil {
		logging.ErrorWithContext(s.logger, "receive loop failed", "dispatcher_receive_failed",
			logging.Error(serveErr),
			logging.String(logging.FieldErrorHint, "restart the dispatcher"))
		return serveErr
	}
	s.logger.Info("dispatcher stopped",
		logging.Uint64("received", s.received.Load()),
		logging.Uint64("replied", s.replied.Load()))
	return nil
}

func (s *Server) reject(ctx context.Context, req *Request, reply, reason string) {
	s.rejected.Add(1)
	logger := logging.WithContext(logging.WithCorrelationID(ctx, req.ID), s.logger)
	logger.Warn(reason,
		logging.String(logging.FieldEventType, "request_rejected"),
		logging.String("sender", req.SourceName()),
		logging.Int("bytes", len(req.Payload)),
		logging.String("reply", reply))
	s.send(logger, req, []byte(reply))
}

func (s *Server) handle(ctx context.Context, req *Request) {
	ctx = logging.WithCorrelationID(ctx, req.ID)
	logger := logging.WithContext(ctx, s.logger)
	logger.Debug("processing request",
		logging.String("sender", req.SourceName()),
		logging.Int("bytes", len(req.Payload)))

	reply := s.safeHandle(ctx, logger, req)
	if reply == nil {
		return
	}
	if err := datagram.CheckSize(reply, s.limit); err != nil {
		logging.ErrorWithContext(logger, "handler reply too large", "reply_too_large",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "keep replies within server.max_message_bytes"))
		reply = []byte(ReplyError)
	}
	s.send(logger, req, reply)
}

// safeHandle converts a handler panic into an ERROR reply so one bad request
// cannot take down the receive loop.
func (s *Server) safeHandle(ctx context.Context, logger *slog.Logger, req *Request) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(logger, "handler panicked", "handler_panic",
				logging.Any("panic", r),
				logging.String("sender", req.SourceName()))
			reply = []byte(ReplyError)
		}
	}()
	return s.handler.Handle(ctx, req)
}

func (s *Server) send(logger *slog.Logger, req *Request, reply []byte) {
	if !req.Replyable() {
		s.dropped.Add(1)
		logger.Warn("cannot reply to unbound sender",
			logging.String(logging.FieldEventType, "reply_dropped"),
			logging.String(logging.FieldImpact, "the client never receives an answer"),
			logging.String(logging.FieldErrorHint, "clients must bind a socket address before sending"))
		return
	}
	if _, err := s.conn.WriteToUnix(reply, req.Source); err != nil {
		s.dropped.Add(1)
		logger.Warn("failed to send response",
			logging.String(logging.FieldEventType, "reply_failed"),
			logging.String("sender", req.Source.Name),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the client may have timed out and closed its socket"))
		return
	}
	s.replied.Add(1)
}

// Close stops serving, closes the socket, removes the socket file, and
// releases the lock. Cleanup failures are logged and returned together.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.Shutdown()
		var errs []error
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.WarnWithContext(s.logger, "failed to remove socket", "socket_cleanup_failed",
				logging.String("socket", s.path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "the next start removes the stale socket"),
				logging.String(logging.FieldErrorHint, "remove the socket file manually"))
			errs = append(errs, fmt.Errorf("remove socket: %w", err))
		}
		if err := s.lock.Unlock(); err != nil {
			logging.WarnWithContext(s.logger, "failed to release dispatcher lock", "lock_release_failed",
				logging.Error(err))
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
