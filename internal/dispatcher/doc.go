// Package dispatcher serves requests arriving on the well-known unixgram
// socket.
//
// The Server owns the socket and its lock file: Listen refuses to start while
// another instance holds the lock, clears a stale socket left by a crashed
// instance, and makes the socket reachable by every local user. Serve reads
// datagrams, tags each with its sender's address, and hands it to a bounded
// pool of workers so a slow handler does not block unrelated clients. Replies
// go back to the sender's address; the dispatcher never learns whether the
// client was still waiting.
//
// CommandHandler implements the classic dispatcher protocol on top of a
// registry of named programs: "name args" launches the registered invocation
// and answers OK, NOT FOUND, or CMD FAILED; "EXIT" stops the server.
package dispatcher
