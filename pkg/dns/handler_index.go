package dns

import (
	"context"
	"net"

	"domainlens/pkg/dictionary"
	"domainlens/pkg/logging"
	"domainlens/pkg/policy"
	"domainlens/pkg/telemetry"

	"github.com/miekg/dns"
)

// defaultRule names the decision taken when no policy rule matched.
const defaultRule = "default"

// IndexHandler decides each query by looking its name up in the current
// domain index and running the policy engine over the result.
//
// Without rules a name found in the index is answered and anything else is
// passed to Next. Answers are synthesized from Address for A queries and from
// AddressV6 for AAAA queries; other types, or AAAA without AddressV6, get a
// NOERROR reply with no answer records.
type IndexHandler struct {
	Holder    *dictionary.Holder
	Normalize dictionary.Normalizer
	Policy    *policy.Engine
	Next      RequestHandler
	Address   net.IP
	AddressV6 net.IP
	TTL       uint32
	Logger    *logging.Logger
	Metrics   *telemetry.Metrics
}

// NewIndexHandler returns a handler reading from holder. Names are run
// through normalize before the lookup; nil only strips the root dot.
func NewIndexHandler(holder *dictionary.Holder, normalize dictionary.Normalizer) *IndexHandler {
	if normalize == nil {
		normalize = dictionary.TrimRoot
	}
	return &IndexHandler{
		Holder:    holder,
		Normalize: normalize,
		Address:   net.IPv4(127, 0, 0, 1),
		TTL:       DefaultTTL,
	}
}

// Handle implements RequestHandler.
func (h *IndexHandler) Handle(ctx context.Context, req *dns.Msg, peer net.Addr) *dns.Msg {
	if len(req.Question) == 0 {
		return formErr(req)
	}

	q := req.Question[0]
	domain := q.Name
	if h.Normalize != nil {
		domain = h.Normalize(domain)
	}

	var (
		matched bool
		index   = -1
	)
	if h.Holder != nil {
		if res, ok := h.Holder.Index().Search(domain); ok {
			matched, index = true, res.Index
		}
	}
	h.Metrics.RecordLookup(ctx, matched)

	action, rule := h.decide(domain, clientIP(peer), q.Qtype, matched, index)
	h.Metrics.RecordPolicyAction(ctx, action, rule)

	if d := DecisionFrom(ctx); d != nil {
		d.Matched, d.Index, d.Action, d.Rule = matched, index, action, rule
	}

	if h.Logger != nil {
		h.Logger.Debug("Index decision",
			"domain", domain,
			"type", dnsTypeLabel(q.Qtype),
			"matched", matched,
			"index", index,
			"action", action,
			"rule", rule)
	}

	switch action {
	case policy.ActionAnswer:
		return h.answer(req)
	case policy.ActionNXDomain:
		return rcodeReply(req, dns.RcodeNameError)
	case policy.ActionRefuse:
		return rcodeReply(req, dns.RcodeRefused)
	case policy.ActionDrop:
		return nil
	default:
		if h.Next == nil {
			return rcodeReply(req, dns.RcodeNameError)
		}
		return h.Next.Handle(ctx, req, peer)
	}
}

// decide returns the action for a query and the rule that chose it.
func (h *IndexHandler) decide(domain, client string, qtype uint16, matched bool, index int) (string, string) {
	if h.Policy != nil && h.Policy.Count() > 0 {
		pctx := policy.NewContext(domain, client, dnsTypeLabel(qtype)).WithMatch(matched, index)
		if ok, rule := h.Policy.Evaluate(pctx); ok && rule != nil {
			return rule.Action, rule.Name
		}
	}
	if matched {
		return policy.ActionAnswer, defaultRule
	}
	return policy.ActionPass, defaultRule
}

func (h *IndexHandler) answer(req *dns.Msg) *dns.Msg {
	msg := newReply(req)
	q := req.Question[0]
	switch q.Qtype {
	case dns.TypeA:
		addARecord(msg, q.Name, h.Address, h.TTL)
	case dns.TypeAAAA:
		addAAAARecord(msg, q.Name, h.AddressV6, h.TTL)
	}
	return msg
}
