package policy

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewEngine(t *testing.T) {
	e := NewEngine()
	if e == nil {
		t.Fatal("NewEngine() returned nil")
	}

	if e.Count() != 0 {
		t.Errorf("expected 0 rules, got %d", e.Count())
	}
}

func TestAddRule(t *testing.T) {
	e := NewEngine()
	rule := &Rule{
		Name:    "Test Rule",
		Logic:   "true",
		Action:  "NXDOMAIN",
		Enabled: true,
	}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if e.Count() != 1 {
		t.Errorf("expected 1 rule, got %d", e.Count())
	}
	if rule.Action != ActionNXDomain {
		t.Errorf("expected action to be normalized to %q, got %q", ActionNXDomain, rule.Action)
	}
}

func TestAddRule_InvalidLogic(t *testing.T) {
	tests := []struct {
		name  string
		logic string
	}{
		{"syntax error", "invalid expression!!"},
		{"unknown identifier", "Upstream == 1"},
		{"non-boolean", `Domain + "x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine()
			err := e.AddRule(&Rule{Name: tt.name, Logic: tt.logic, Action: ActionDrop, Enabled: true})
			if err == nil {
				t.Error("expected error for invalid logic, got nil")
			}
			if e.Count() != 0 {
				t.Errorf("invalid rule must not be added, got %d rules", e.Count())
			}
		})
	}
}

func TestValidateActionViaAddRule(t *testing.T) {
	e := NewEngine()
	err := e.AddRule(&Rule{Name: "bad", Logic: "true", Action: "BLOCK", Enabled: true})
	if !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}

	for _, action := range []string{"answer", "NXDomain", " refuse ", "drop", "PASS"} {
		if _, err := ValidateAction(action); err != nil {
			t.Errorf("ValidateAction(%q) = %v", action, err)
		}
	}
}

func TestEvaluate_MatchedField(t *testing.T) {
	e := NewEngine()
	if err := e.AddRule(&Rule{Name: "hit", Logic: "Matched", Action: ActionAnswer, Enabled: true}); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	ctx := NewContext("example.com", "192.168.1.100", "A")
	if matched, _ := e.Evaluate(ctx); matched {
		t.Error("expected no match for a domain outside the index")
	}

	matched, rule := e.Evaluate(ctx.WithMatch(true, 7))
	if !matched || rule == nil || rule.Name != "hit" {
		t.Fatalf("expected rule 'hit' to match, got %v %v", matched, rule)
	}
}

func TestEvaluate_IndexField(t *testing.T) {
	e := NewEngine()
	if err := e.AddRule(&Rule{Name: "top-10", Logic: "Matched && Index < 10", Action: ActionAnswer, Enabled: true}); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	ctx := NewContext("example.com", "10.0.0.1", "A")
	if matched, _ := e.Evaluate(ctx.WithMatch(true, 3)); !matched {
		t.Error("expected index 3 to match")
	}
	if matched, _ := e.Evaluate(ctx.WithMatch(true, 30)); matched {
		t.Error("expected index 30 not to match")
	}
}

func TestEvaluate_DisabledRule(t *testing.T) {
	e := NewEngine()
	if err := e.AddRule(&Rule{Name: "off", Logic: "true", Action: ActionDrop, Enabled: false}); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	if matched, _ := e.Evaluate(NewContext("example.com", "1.2.3.4", "A")); matched {
		t.Error("disabled rule should not match")
	}
}

func TestEvaluate_MultipleRules_FirstMatch(t *testing.T) {
	e := NewEngine()
	rules := []*Rule{
		{Name: "refuse-any", Logic: `QueryType == "ANY"`, Action: ActionRefuse, Enabled: true},
		{Name: "lan", Logic: `IPInCIDR(ClientIP, "192.168.0.0/16")`, Action: ActionAnswer, Enabled: true},
		{Name: "catch-all", Logic: "true", Action: ActionNXDomain, Enabled: true},
	}
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			t.Fatalf("AddRule(%s) failed: %v", r.Name, err)
		}
	}

	tests := []struct {
		ip, qtype string
		want      string
	}{
		{"192.168.1.5", "ANY", "refuse-any"},
		{"192.168.1.5", "A", "lan"},
		{"10.0.0.1", "A", "catch-all"},
	}
	for _, tt := range tests {
		_, rule := e.Evaluate(NewContext("example.com", tt.ip, tt.qtype))
		if rule == nil || rule.Name != tt.want {
			t.Errorf("Evaluate(%s, %s) = %v, want %s", tt.ip, tt.qtype, rule, tt.want)
		}
	}
}

func TestReplaceRules(t *testing.T) {
	e := NewEngine()
	_ = e.AddRule(&Rule{Name: "old", Logic: "true", Action: ActionDrop, Enabled: true})

	err := e.ReplaceRules([]*Rule{
		{Name: "new-1", Logic: "Matched", Action: "Answer", Enabled: true},
		{Name: "new-2", Logic: "!Matched", Action: ActionRefuse, Enabled: true},
	})
	if err != nil {
		t.Fatalf("ReplaceRules() failed: %v", err)
	}
	rules := e.GetRules()
	if len(rules) != 2 || rules[0].Name != "new-1" || rules[0].Action != ActionAnswer {
		t.Fatalf("unexpected rules after replace: %v", rules)
	}

	ok, rule := e.Evaluate(NewContext("example.com", "10.0.0.1", "A"))
	if !ok || rule.Name != "new-2" {
		t.Errorf("expected new-2 to match an unmatched query, got %v", rule)
	}

	// A bad rule leaves the current set alone.
	err = e.ReplaceRules([]*Rule{
		{Name: "fine", Logic: "true", Action: ActionDrop, Enabled: true},
		{Name: "broken", Logic: "Domain ==", Action: ActionDrop, Enabled: true},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if rules := e.GetRules(); len(rules) != 2 || rules[0].Name != "new-1" {
		t.Errorf("rules changed after a failed replace: %v", rules)
	}

	if err := e.ReplaceRules(nil); err != nil {
		t.Fatalf("ReplaceRules(nil) failed: %v", err)
	}
	if e.Count() != 0 {
		t.Errorf("expected 0 rules, got %d", e.Count())
	}
}

func TestNewContext(t *testing.T) {
	ctx := NewContext("example.com", "192.168.1.100", "A")

	if ctx.Domain != "example.com" || ctx.ClientIP != "192.168.1.100" || ctx.QueryType != "A" {
		t.Errorf("unexpected context fields: %+v", ctx)
	}
	if ctx.Matched || ctx.Index != -1 {
		t.Errorf("new context should be unmatched, got matched=%v index=%d", ctx.Matched, ctx.Index)
	}
	if ctx.Month < 1 || ctx.Month > 12 || ctx.Weekday < 0 || ctx.Weekday > 6 {
		t.Errorf("invalid date fields: %+v", ctx)
	}
	if time.Since(ctx.Time) > time.Second {
		t.Errorf("context time too far from current time")
	}

	if got := ctx.WithMatch(false, 5); got.Index != -1 {
		t.Errorf("WithMatch(false) should reset index, got %d", got.Index)
	}
}

func TestDomainMatches(t *testing.T) {
	tests := []struct {
		domain  string
		pattern string
		want    bool
	}{
		{"facebook.com", "facebook", true},
		{"www.facebook.com", ".facebook.com", true},
		{"facebook.com", ".facebook.com", true},
		{"notfacebook.com", ".facebook.com", false},
		{"example.com", "facebook", false},
		{"Facebook.com.", "facebook", true},
	}

	for _, tt := range tests {
		if got := DomainMatches(tt.domain, tt.pattern); got != tt.want {
			t.Errorf("DomainMatches(%q, %q) = %v, want %v", tt.domain, tt.pattern, got, tt.want)
		}
	}
}

func TestIPInCIDR(t *testing.T) {
	tests := []struct {
		ip, cidr string
		want     bool
	}{
		{"192.168.1.50", "192.168.1.0/24", true},
		{"192.168.2.50", "192.168.1.0/24", false},
		{"::ffff:10.0.0.1", "10.0.0.0/8", true},
		{"2001:db8::1", "2001:db8::/32", true},
		{"not-an-ip", "10.0.0.0/8", false},
		{"10.0.0.1", "garbage", false},
	}

	for _, tt := range tests {
		if got := IPInCIDR(tt.ip, tt.cidr); got != tt.want {
			t.Errorf("IPInCIDR(%q, %q) = %v, want %v", tt.ip, tt.cidr, got, tt.want)
		}
	}
}

func TestHelperFunctions_InExpressions(t *testing.T) {
	tests := []struct {
		name        string
		logic       string
		domain      string
		qtype       string
		shouldMatch bool
	}{
		{"DomainMatches", `DomainMatches(Domain, "facebook")`, "www.facebook.com", "A", true},
		{"DomainEndsWith", `DomainEndsWith(Domain, ".com")`, "example.com", "A", true},
		{"DomainStartsWith", `DomainStartsWith(Domain, "www")`, "www.example.com", "A", true},
		{"QueryTypeIn", `QueryTypeIn(QueryType, "A", "AAAA")`, "example.com", "AAAA", true},
		{"QueryTypeIn miss", `QueryTypeIn(QueryType, "A", "AAAA")`, "example.com", "MX", false},
		{"Hour range", `Hour >= 0 && Hour < 24`, "example.com", "A", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine()
			if err := e.AddRule(&Rule{Name: tt.name, Logic: tt.logic, Action: ActionDrop, Enabled: true}); err != nil {
				t.Fatalf("AddRule() failed: %v", err)
			}

			matched, _ := e.Evaluate(NewContext(tt.domain, "192.168.1.100", tt.qtype))
			if matched != tt.shouldMatch {
				t.Errorf("expected match=%v, got %v", tt.shouldMatch, matched)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	e := NewEngine()
	_ = e.AddRule(&Rule{Name: "base", Logic: "Matched", Action: ActionAnswer, Enabled: true})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				e.Evaluate(NewContext("example.com", "10.0.0.1", "A").WithMatch(true, j))
			}
		}()
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("rule-%d", i)
			_ = e.ReplaceRules([]*Rule{
				{Name: "base", Logic: "Matched", Action: ActionAnswer, Enabled: true},
				{Name: name, Logic: "false", Action: ActionDrop, Enabled: true},
			})
		}(i)
	}
	wg.Wait()

	if rules := e.GetRules(); len(rules) != 2 || rules[0].Name != "base" {
		t.Errorf("expected base plus one replacement rule, got %v", rules)
	}
}

func TestReplaceRules_QueryTypeIn(t *testing.T) {
	e := NewEngine()
	err := e.ReplaceRules([]*Rule{
		{Name: "address-types", Logic: `QueryTypeIn(QueryType, "A", "AAAA")`, Action: ActionRefuse, Enabled: true},
	})
	if err != nil {
		t.Fatalf("ReplaceRules() failed: %v", err)
	}

	for qtype, want := range map[string]bool{"A": true, "aaaa": true, "MX": false} {
		ok, _ := e.Evaluate(NewContext("example.com", "10.0.0.1", qtype))
		if ok != want {
			t.Errorf("QueryType %s: matched = %v, want %v", qtype, ok, want)
		}
	}

	// Only strings are accepted after the query type.
	err = e.ReplaceRules([]*Rule{
		{Name: "bad-args", Logic: `QueryTypeIn(QueryType, 1)`, Action: ActionRefuse, Enabled: true},
	})
	if err == nil {
		t.Error("expected compile error for a non-string type")
	}
}
