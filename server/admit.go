package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// AddressMatcher matches a range of ips or host names.
type AddressMatcher interface {
	Match(string) bool
}

// Admission decides which workers may join the farm by their address.
// A worker is admitted when an ip matcher matches its ip, or a domain
// matcher matches a name its ip resolves back to. Names workers give
// themselves are never trusted. Zero Admission admits everyone.
type Admission struct {
	IPs     []AddressMatcher
	Domains []AddressMatcher

	// LookupAddr resolves names of an ip. Nil means the system resolver.
	LookupAddr func(ctx context.Context, ip string) ([]string, error)
}

// Admit reports whether a worker connecting from addr may join.
func (a Admission) Admit(addr string) bool {
	if len(a.IPs) == 0 && len(a.Domains) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	for _, m := range a.IPs {
		if m.Match(host) {
			return true
		}
	}
	if len(a.Domains) == 0 || net.ParseIP(host) == nil {
		return false
	}
	lookup := a.LookupAddr
	if lookup == nil {
		lookup = net.DefaultResolver.LookupAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	names, err := lookup(ctx, host)
	if err != nil {
		log.Debug().Err(err).Str("ip", host).Msg("reverse lookup")
		return false
	}
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		for _, m := range a.Domains {
			if m.Match(name) {
				return true
			}
		}
	}
	return false
}

const lookupTimeout = 5 * time.Second

// NewAdmission creates an Admission from ip and domain patterns.
func NewAdmission(ips, domains []string) (Admission, error) {
	var a Admission
	for _, s := range ips {
		m, err := IPMatcherFromString(s)
		if err != nil {
			return Admission{}, err
		}
		a.IPs = append(a.IPs, m)
	}
	for _, s := range domains {
		m, err := DomainMatcherFromString(s)
		if err != nil {
			return Admission{}, err
		}
		a.Domains = append(a.Domains, m)
	}
	return a, nil
}

// IPMatcher matches IPv4 addresses, part by part.
type IPMatcher []ipPartMatcher

func (m IPMatcher) Match(ip string) bool {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return false
		}
		if n < 0 || n >= 256 {
			return false
		}
		if !m[i].match(n) {
			return false
		}
	}
	return true
}

type ipPartMatcher interface {
	match(int) bool
}

type ipPartAny struct{}

func (ipPartAny) match(n int) bool {
	return true
}

type ipPartSingle int

func (m ipPartSingle) match(n int) bool {
	return n == int(m)
}

type ipPartRange struct {
	start, end int
}

func (m ipPartRange) match(n int) bool {
	return m.start <= n && n <= m.end
}

func parseIPByte(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 || n >= 256 {
		return 0, fmt.Errorf("ip part out of range: %v", n)
	}
	return n, nil
}

// IPMatcherFromString parses a pattern like "10.0.[1-3].*".
// Every part is a number, a range in brackets, or * for anything.
func IPMatcherFromString(s string) (IPMatcher, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("ip does not consist of 4 parts: %v", s)
	}
	m := make(IPMatcher, 4)
	for i, p := range parts {
		if p == "*" {
			m[i] = ipPartAny{}
			continue
		}
		if strings.HasPrefix(p, "[") && strings.HasSuffix(p, "]") {
			start, end, ok := strings.Cut(p[1:len(p)-1], "-")
			if !ok {
				return nil, fmt.Errorf("invalid ip range: %v", p)
			}
			s, err := parseIPByte(start)
			if err != nil {
				return nil, fmt.Errorf("invalid ip range %v: %w", p, err)
			}
			e, err := parseIPByte(end)
			if err != nil {
				return nil, fmt.Errorf("invalid ip range %v: %w", p, err)
			}
			if s > e {
				return nil, fmt.Errorf("invalid ip range: %v", p)
			}
			m[i] = ipPartRange{s, e}
			continue
		}
		n, err := parseIPByte(p)
		if err != nil {
			return nil, fmt.Errorf("unknown formatting for ip part %q: %w", p, err)
		}
		m[i] = ipPartSingle(n)
	}
	return m, nil
}

// DomainMatcher matches host names, label by label. A * label matches any label.
type DomainMatcher []string

func DomainMatcherFromString(s string) (DomainMatcher, error) {
	if s == "" {
		return nil, fmt.Errorf("cannot create a domain matcher from empty string")
	}
	return DomainMatcher(strings.Split(s, ".")), nil
}

func (m DomainMatcher) Match(s string) bool {
	if len(m) == 0 || s == "" {
		return false
	}
	parts := strings.Split(s, ".")
	if len(m) != len(parts) {
		return false
	}
	for i, p := range parts {
		if m[i] != "*" && m[i] != p {
			return false
		}
	}
	return true
}
