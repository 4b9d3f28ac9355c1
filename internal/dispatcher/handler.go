package dispatcher

import (
	"bytes"
	"context"
	"net"
	"time"
)

// Replies produced by the server itself and by CommandHandler.
const (
	ReplyOK            = "OK"
	ReplyNotFound      = "NOT FOUND"
	ReplyCommandFailed = "CMD FAILED"
	ReplyTooLarge      = "TOO LARGE"
	ReplyBusy          = "BUSY"
	ReplyError         = "ERROR"
	ReplyDenied        = "DENIED"
)

// Request is one received datagram.
type Request struct {
	// ID correlates log lines for this request.
	ID       string
	Payload  []byte
	Source   *net.UnixAddr
	Received time.Time
}

// Replyable reports whether the sender bound an address that can receive a reply.
func (r *Request) Replyable() bool {
	return r.Source != nil && r.Source.Name != "" && r.Source.Name != "@"
}

// SourceName returns the sender address for logging.
func (r *Request) SourceName() string {
	if !r.Replyable() {
		return "(unbound)"
	}
	return r.Source.Name
}

// Handler processes a request and returns the reply payload. A nil reply
// sends nothing. Handlers run concurrently when the server has more than one
// worker.
type Handler interface {
	Handle(ctx context.Context, req *Request) []byte
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) []byte

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) []byte {
	return f(ctx, req)
}

// EchoHandler replies with the request payload.
var EchoHandler = HandlerFunc(func(_ context.Context, req *Request) []byte {
	return req.Payload
})

// UpperHandler replies with the request payload uppercased.
var UpperHandler = HandlerFunc(func(_ context.Context, req *Request) []byte {
	return bytes.ToUpper(req.Payload)
})
