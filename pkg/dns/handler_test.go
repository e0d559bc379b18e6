package dns

import (
	"context"
	"net"
	"testing"

	"domainlens/pkg/dictionary"
	"domainlens/pkg/domainindex"
	"domainlens/pkg/policy"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPeer = &net.UDPAddr{IP: net.ParseIP("192.168.1.10"), Port: 40000}

func newQuery(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	return m
}

func holderWith(domains ...string) *dictionary.Holder {
	h := dictionary.NewHolder()
	h.Set(&dictionary.Snapshot{Index: domainindex.Build(domains)})
	return h
}

func TestStaticHandler_A(t *testing.T) {
	h := NewStaticHandler()
	req := newQuery("anything.example.", dns.TypeA)
	req.RecursionDesired = true

	resp := h.Handle(context.Background(), req, testPeer)
	require.NotNil(t, resp)

	assert.Equal(t, req.Id, resp.Id)
	assert.True(t, resp.Response)
	assert.True(t, resp.RecursionDesired)
	assert.True(t, resp.RecursionAvailable)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "anything.example.", a.Hdr.Name)
	assert.Equal(t, uint32(60), a.Hdr.Ttl)
	assert.Equal(t, uint16(dns.ClassINET), a.Hdr.Class)
	assert.Equal(t, dns.TypeA, a.Hdr.Rrtype)
	assert.True(t, a.A.Equal(net.IPv4(127, 0, 0, 1)))
}

func TestStaticHandler_NonA(t *testing.T) {
	h := NewStaticHandler()
	req := newQuery("example.com.", dns.TypeAAAA)
	req.RecursionDesired = false

	resp := h.Handle(context.Background(), req, testPeer)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
	assert.False(t, resp.RecursionDesired)
	assert.True(t, resp.RecursionAvailable)
}

func TestStaticHandler_EchoesAllQuestions(t *testing.T) {
	req := newQuery("first.example.", dns.TypeA)
	req.Question = append(req.Question, dns.Question{Name: "second.example.", Qtype: dns.TypeMX, Qclass: dns.ClassINET})

	resp := NewStaticHandler().Handle(context.Background(), req, testPeer)
	require.NotNil(t, resp)
	assert.Equal(t, req.Question, resp.Question)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "first.example.", resp.Answer[0].Header().Name)
}

func TestStaticHandler_NoQuestion(t *testing.T) {
	for _, h := range []RequestHandler{NewStaticHandler(), NewIndexHandler(holderWith("example.com"), nil)} {
		req := new(dns.Msg)
		req.Id = 4242

		resp := h.Handle(context.Background(), req, testPeer)
		require.NotNil(t, resp)
		assert.Equal(t, uint16(4242), resp.Id)
		assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
		assert.True(t, resp.Response)
		assert.Empty(t, resp.Answer)
	}
}

func TestHandlerFunc(t *testing.T) {
	called := false
	var h RequestHandler = HandlerFunc(func(_ context.Context, req *dns.Msg, peer net.Addr) *dns.Msg {
		called = true
		assert.Equal(t, testPeer, peer)
		return nil
	})

	assert.Nil(t, h.Handle(context.Background(), newQuery("example.com.", dns.TypeA), testPeer))
	assert.True(t, called)
}

func TestIndexHandler_DefaultPolicy(t *testing.T) {
	h := NewIndexHandler(holderWith("example.com", "test.org"), dictionary.NormalizeName)

	tests := []struct {
		name      string
		qname     string
		wantRcode int
		wantIndex int
	}{
		{"first entry", "example.com.", dns.RcodeSuccess, 0},
		{"second entry", "test.org.", dns.RcodeSuccess, 1},
		{"case folded", "Example.COM.", dns.RcodeSuccess, 0},
		{"miss without fallback", "other.net.", dns.RcodeNameError, -1},
		{"subdomain is not a key", "www.example.com.", dns.RcodeNameError, -1},
		{"prefix is not a key", "example.co.", dns.RcodeNameError, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, decision := WithDecision(context.Background())
			resp := h.Handle(ctx, newQuery(tt.qname, dns.TypeA), testPeer)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantRcode, resp.Rcode)
			assert.Equal(t, tt.wantIndex, decision.Index)
			assert.Equal(t, tt.wantIndex >= 0, decision.Matched)
			assert.Equal(t, defaultRule, decision.Rule)

			if tt.wantRcode == dns.RcodeSuccess {
				require.Len(t, resp.Answer, 1)
				assert.Equal(t, tt.qname, resp.Answer[0].Header().Name)
			} else {
				assert.Empty(t, resp.Answer)
			}
		})
	}
}

func TestIndexHandler_QueryTypes(t *testing.T) {
	h := NewIndexHandler(holderWith("example.com"), nil)

	resp := h.Handle(context.Background(), newQuery("example.com.", dns.TypeAAAA), testPeer)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer, "AAAA without an IPv6 address is NODATA")

	h.AddressV6 = net.ParseIP("2001:db8::53")
	resp = h.Handle(context.Background(), newQuery("example.com.", dns.TypeAAAA), testPeer)
	require.Len(t, resp.Answer, 1)
	aaaa, ok := resp.Answer[0].(*dns.AAAA)
	require.True(t, ok)
	assert.True(t, aaaa.AAAA.Equal(net.ParseIP("2001:db8::53")))

	resp = h.Handle(context.Background(), newQuery("example.com.", dns.TypeMX), testPeer)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestIndexHandler_PassToNext(t *testing.T) {
	h := NewIndexHandler(holderWith("example.com"), nil)
	h.Next = NewStaticHandler()
	h.Next.(*StaticHandler).Address = net.ParseIP("10.9.8.7")

	resp := h.Handle(context.Background(), newQuery("unknown.net.", dns.TypeA), testPeer)
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	assert.True(t, resp.Answer[0].(*dns.A).A.Equal(net.ParseIP("10.9.8.7")))
}

func TestIndexHandler_PolicyActions(t *testing.T) {
	engine := policy.NewEngine()
	rules := []*policy.Rule{
		{Name: "refuse-any", Logic: `QueryType == "ANY"`, Action: policy.ActionRefuse, Enabled: true},
		{Name: "silence", Logic: `DomainEndsWith(Domain, ".invalid")`, Action: policy.ActionDrop, Enabled: true},
		{Name: "top-only", Logic: `Matched && Index >= 1`, Action: policy.ActionNXDomain, Enabled: true},
		{Name: "lan-answer", Logic: `IPInCIDR(ClientIP, "192.168.0.0/16")`, Action: policy.ActionAnswer, Enabled: true},
	}
	for _, r := range rules {
		require.NoError(t, engine.AddRule(r))
	}

	h := NewIndexHandler(holderWith("example.com", "test.org"), nil)
	h.Policy = engine

	tests := []struct {
		name       string
		qname      string
		qtype      uint16
		peer       net.Addr
		wantNil    bool
		wantRcode  int
		wantAnswer bool
		wantRule   string
	}{
		{"refuse any", "example.com.", dns.TypeANY, testPeer, false, dns.RcodeRefused, false, "refuse-any"},
		{"drop invalid", "host.invalid.", dns.TypeA, testPeer, true, 0, false, "silence"},
		{"nxdomain by index", "test.org.", dns.TypeA, testPeer, false, dns.RcodeNameError, false, "top-only"},
		{"lan answers unmatched", "other.net.", dns.TypeA, testPeer, false, dns.RcodeSuccess, true, "lan-answer"},
		{"default for wan hit", "example.com.", dns.TypeA, &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 53}, false, dns.RcodeSuccess, true, defaultRule},
		{"default for wan miss", "other.net.", dns.TypeA, &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 53}, false, dns.RcodeNameError, false, defaultRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, decision := WithDecision(context.Background())
			resp := h.Handle(ctx, newQuery(tt.qname, tt.qtype), tt.peer)
			assert.Equal(t, tt.wantRule, decision.Rule)
			if tt.wantNil {
				assert.Nil(t, resp)
				assert.Equal(t, policy.ActionDrop, decision.Action)
				return
			}
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantRcode, resp.Rcode)
			assert.Equal(t, tt.wantAnswer, len(resp.Answer) == 1)
		})
	}
}

func TestIndexHandler_SeesSwappedIndex(t *testing.T) {
	holder := holderWith("old.example")
	h := NewIndexHandler(holder, nil)

	resp := h.Handle(context.Background(), newQuery("new.example.", dns.TypeA), testPeer)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)

	holder.Set(&dictionary.Snapshot{Index: domainindex.Build([]string{"new.example"})})

	resp = h.Handle(context.Background(), newQuery("new.example.", dns.TypeA), testPeer)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"udp v4", &net.UDPAddr{IP: net.ParseIP("192.168.1.100"), Port: 53}, "192.168.1.100"},
		{"udp v6", &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 53}, "fe80::1"},
		{"tcp", &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5353}, "10.0.0.5"},
		{"nil", nil, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clientIP(tt.addr))
		})
	}
}

func TestDNSTypeLabel(t *testing.T) {
	assert.Equal(t, "A", dnsTypeLabel(dns.TypeA))
	assert.Equal(t, "AAAA", dnsTypeLabel(dns.TypeAAAA))
	assert.Equal(t, "TYPE65280", dnsTypeLabel(65280))
}
