// Package dns implements the UDP query server and the request handlers it
// dispatches to.
package dns

import (
	"context"
	"net"

	"github.com/miekg/dns"
)

// RequestHandler turns one decoded request into an optional response.
// A nil response means the datagram is dropped silently. Implementations
// must be safe for concurrent use.
type RequestHandler interface {
	Handle(ctx context.Context, req *dns.Msg, peer net.Addr) *dns.Msg
}

// HandlerFunc adapts an ordinary function to a RequestHandler.
type HandlerFunc func(ctx context.Context, req *dns.Msg, peer net.Addr) *dns.Msg

// Handle calls f(ctx, req, peer).
func (f HandlerFunc) Handle(ctx context.Context, req *dns.Msg, peer net.Addr) *dns.Msg {
	return f(ctx, req, peer)
}

// Decision captures what a handler decided for a single request. The server
// attaches one to each request context and copies it into the query log.
type Decision struct {
	Action  string
	Rule    string
	Index   int
	Matched bool
}

type decisionKey struct{}

// WithDecision returns a context carrying a fresh Decision.
func WithDecision(ctx context.Context) (context.Context, *Decision) {
	d := &Decision{Index: -1}
	return context.WithValue(ctx, decisionKey{}, d), d
}

// DecisionFrom returns the Decision attached to ctx, or nil.
func DecisionFrom(ctx context.Context) *Decision {
	d, _ := ctx.Value(decisionKey{}).(*Decision)
	return d
}
