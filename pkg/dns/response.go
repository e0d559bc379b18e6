package dns

import (
	"net"
	"strconv"

	"github.com/miekg/dns"
)

// DefaultTTL is used for synthesized answers when none is configured.
const DefaultTTL = 60

// newReply builds a NOERROR response that echoes every question of req,
// copies RD and sets RA.
func newReply(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req)
	// SetReply keeps only the first question.
	msg.Question = append([]dns.Question(nil), req.Question...)
	msg.RecursionAvailable = true
	return msg
}

// rcodeReply builds a response carrying rcode and no answers.
func rcodeReply(req *dns.Msg, rcode int) *dns.Msg {
	msg := newReply(req)
	msg.Rcode = rcode
	return msg
}

// formErr answers a request that carries no question.
func formErr(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetRcodeFormatError(req)
	return msg
}

func addARecord(msg *dns.Msg, domain string, ip net.IP, ttl uint32) {
	if ip == nil || ip.To4() == nil {
		return
	}
	rr := &dns.A{
		Hdr: dns.RR_Header{
			Name:   domain,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip.To4(),
	}
	msg.Answer = append(msg.Answer, rr)
}

func addAAAARecord(msg *dns.Msg, domain string, ip net.IP, ttl uint32) {
	if ip == nil || ip.To16() == nil || ip.To4() != nil {
		return
	}
	rr := &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   domain,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: ip.To16(),
	}
	msg.Answer = append(msg.Answer, rr)
}

func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}

func rcodeLabel(rcode int) string {
	if label := dns.RcodeToString[rcode]; label != "" {
		return label
	}
	return "RCODE" + strconv.Itoa(rcode)
}

// clientIP extracts the peer's IP without the port. It returns "unknown"
// for a nil address.
func clientIP(peer net.Addr) string {
	if peer == nil {
		return "unknown"
	}
	if udp, ok := peer.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(peer.String())
	if err == nil {
		return host
	}
	return peer.String()
}
