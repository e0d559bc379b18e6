package dns

import (
	"context"
	"net"

	"github.com/miekg/dns"
)

// StaticHandler answers every query the same way: NOERROR, all questions
// echoed, and one A record when the first question asks for A.
type StaticHandler struct {
	Address net.IP
	TTL     uint32
}

// NewStaticHandler returns a handler answering A queries with 127.0.0.1.
func NewStaticHandler() *StaticHandler {
	return &StaticHandler{
		Address: net.IPv4(127, 0, 0, 1),
		TTL:     DefaultTTL,
	}
}

// Handle implements RequestHandler.
func (h *StaticHandler) Handle(_ context.Context, req *dns.Msg, _ net.Addr) *dns.Msg {
	if len(req.Question) == 0 {
		return formErr(req)
	}

	msg := newReply(req)
	q := req.Question[0]
	if q.Qtype == dns.TypeA {
		addARecord(msg, q.Name, h.Address, h.TTL)
	}
	return msg
}
