package policy

import (
	"net/netip"
	"slices"
	"strings"
	"time"
)

// Context is the environment rule expressions run against. Field and method
// names are the identifiers available in rule logic.
type Context struct {
	Domain    string // normalized query name, no trailing dot
	ClientIP  string
	QueryType string // "A", "AAAA", "TYPE65", ...

	// Matched reports whether Domain is in the index; Index is its
	// dictionary position, or -1.
	Matched bool
	Index   int

	Time    time.Time
	Hour    int
	Minute  int
	Day     int
	Month   int
	Weekday int
}

// NewContext builds a context stamped with the current time. The index fields
// start as "not matched".
func NewContext(domain, clientIP, queryType string) Context {
	now := time.Now()
	return Context{
		Domain:    domain,
		ClientIP:  clientIP,
		QueryType: queryType,
		Index:     -1,
		Time:      now,
		Hour:      now.Hour(),
		Minute:    now.Minute(),
		Day:       now.Day(),
		Month:     int(now.Month()),
		Weekday:   int(now.Weekday()),
	}
}

// WithMatch records the index result on the context.
func (c Context) WithMatch(matched bool, index int) Context {
	c.Matched = matched
	c.Index = -1
	if matched {
		c.Index = index
	}
	return c
}

// DomainMatches reports whether pattern occurs in domain. A leading dot means
// "this domain or any subdomain". Comparison ignores case.
func (Context) DomainMatches(domain, pattern string) bool {
	return DomainMatches(domain, pattern)
}

// DomainEndsWith reports whether domain ends with suffix, ignoring case.
func (Context) DomainEndsWith(domain, suffix string) bool {
	return DomainEndsWith(domain, suffix)
}

// DomainStartsWith reports whether domain starts with prefix, ignoring case.
func (Context) DomainStartsWith(domain, prefix string) bool {
	return DomainStartsWith(domain, prefix)
}

// IPInCIDR reports whether ip is inside cidr.
func (Context) IPInCIDR(ip, cidr string) bool {
	return IPInCIDR(ip, cidr)
}

// DomainMatches is the function behind the rule helper of the same name.
func DomainMatches(domain, pattern string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, ".") {
		return domain == pattern[1:] || strings.HasSuffix(domain, pattern)
	}
	return strings.Contains(domain, pattern)
}

// DomainEndsWith is the function behind the rule helper of the same name.
func DomainEndsWith(domain, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(domain), strings.ToLower(suffix))
}

// DomainStartsWith is the function behind the rule helper of the same name.
func DomainStartsWith(domain, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(domain), strings.ToLower(prefix))
}

// IPInCIDR is the function behind the rule helper of the same name.
func IPInCIDR(ip, cidr string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	return prefix.Contains(addr.Unmap())
}

// QueryTypeIn is the function behind the rule helper of the same name. The
// helper is registered with the compiler as a function because expr cannot
// call variadic methods on the environment.
func QueryTypeIn(qtype string, types ...string) bool {
	return slices.ContainsFunc(types, func(t string) bool {
		return strings.EqualFold(t, qtype)
	})
}
