// Package endpoint implements the client side of the dispatcher rendezvous.
//
// An Endpoint owns one bound unixgram socket whose filesystem address is
// unique to the creating process. Callers open it explicitly, issue requests
// one at a time, and close it on every exit path; Close removes the address
// file so no stale sockets accumulate. A request that gets no reply within the
// timeout reports ok=false with a nil error. Every other fault is returned.
package endpoint
