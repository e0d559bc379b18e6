package dns

import (
	"context"
	"errors"
	"net"
	"time"

	"domainlens/pkg/policy"
	"domainlens/pkg/storage"

	"github.com/miekg/dns"
)

// logQuery hands the outcome of one request to the query log. It never
// blocks the worker; a full log buffer only costs the entry.
func (s *Server) logQuery(ctx context.Context, req, resp *dns.Msg, peer net.Addr, decision *Decision, received time.Time) {
	if s.queryLog == nil {
		return
	}

	entry := &storage.QueryLog{
		Timestamp:      received,
		ClientIP:       clientIP(peer),
		ResponseTimeMs: float64(time.Since(received).Microseconds()) / 1000.0,
		Outcome:        outcomeLabel(resp, decision),
	}
	if len(req.Question) > 0 {
		entry.Domain = req.Question[0].Name
		entry.QueryType = dnsTypeLabel(req.Question[0].Qtype)
	}
	if resp != nil {
		entry.ResponseCode = resp.Rcode
	}
	if decision != nil {
		entry.Matched = decision.Matched
		entry.Rule = decision.Rule
	}

	if err := s.queryLog.LogQuery(ctx, entry); err != nil && !errors.Is(err, storage.ErrBufferFull) {
		s.logger.Warn("Failed to log query",
			"domain", entry.Domain,
			"client_ip", entry.ClientIP,
			"error", err)
	}
}

func outcomeLabel(resp *dns.Msg, decision *Decision) string {
	if resp == nil {
		if decision != nil && decision.Action == policy.ActionDrop {
			return storage.OutcomeDropped
		}
		return storage.OutcomeNoResponse
	}
	switch resp.Rcode {
	case dns.RcodeFormatError:
		return storage.OutcomeFormErr
	case dns.RcodeNameError:
		return storage.OutcomeNXDomain
	case dns.RcodeRefused:
		return storage.OutcomeRefused
	default:
		return storage.OutcomeAnswered
	}
}
