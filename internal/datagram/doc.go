// Package datagram holds the wire rules shared by dispatcher clients and the
// dispatcher service.
//
// Messages are raw bytes with no envelope, length prefix, or checksum; the
// unixgram transport preserves message boundaries. Both sides enforce the same
// size limit so an oversized payload is rejected instead of being silently
// truncated by the kernel or by a short read buffer.
package datagram
