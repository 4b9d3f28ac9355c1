package datagram

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"

	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"
)

const (
	// Network is the net package name for local datagram sockets.
	Network = "unixgram"

	// DefaultMaxMessageSize leaves room for a NUL terminator in a 1024 byte
	// buffer, which C clients of the protocol rely on.
	DefaultMaxMessageSize = 1023

	// MaxMessageCeiling bounds configurable limits.
	MaxMessageCeiling = 64 * 1024
)

// ErrMessageTooLarge reports a payload above the configured datagram limit.
var ErrMessageTooLarge = errors.New("message exceeds datagram limit")

// CheckSize returns a wrapped ErrMessageTooLarge when payload is longer than
// limit. A non-positive limit selects DefaultMaxMessageSize.
func CheckSize(payload []byte, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	if len(payload) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(payload), limit)
	}
	return nil
}

// EncodeText converts text to its wire form (UTF-8).
func EncodeText(text string) []byte {
	return []byte(text)
}

// DecodeText converts a wire payload to text, replacing invalid UTF-8
// sequences with U+FFFD.
func DecodeText(payload []byte) string {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(payload)
	if err != nil {
		return string(payload)
	}
	return string(decoded)
}

// Addr builds a unixgram address for path.
func Addr(path string) *net.UnixAddr {
	return &net.UnixAddr{Name: path, Net: Network}
}

// CanonicalPath returns the absolute, cleaned form of a socket path. The
// kernel reports a sender by the exact path it bound, so both ends of an
// exchange must spell the server path the same way.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve socket path %s: %w", path, err)
	}
	return abs, nil
}

// SendBufferSize reports the kernel send buffer of conn, which caps the
// largest datagram the socket can emit.
func SendBufferSize(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("raw socket: %w", err)
	}
	var (
		size   int
		optErr error
	)
	if err := raw.Control(func(fd uintptr) {
		size, optErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	}); err != nil {
		return 0, fmt.Errorf("control socket: %w", err)
	}
	if optErr != nil {
		return 0, fmt.Errorf("getsockopt SO_SNDBUF: %w", optErr)
	}
	return size, nil
}

// IsUnreachable reports whether err means no socket is bound at the
// destination path or nothing is reading from it.
func IsUnreachable(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED)
}
