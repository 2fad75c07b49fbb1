package server

import (
	"context"
	"errors"
	"testing"

	"github.com/imagvfx/grade/proto"
	"github.com/imagvfx/grade/transport"
)

func TestIPMatcherMatch(t *testing.T) {
	cases := []struct {
		matcher   string
		matches   []string
		unmatches []string
	}{
		{
			matcher:   "10.0.0.1",
			matches:   []string{"10.0.0.1"},
			unmatches: []string{"10.0.0.2", "10.0.0.3"},
		},
		{
			matcher:   "10.0.0.*",
			matches:   []string{"10.0.0.1", "10.0.0.255"},
			unmatches: []string{"10.0.1.1", "10.0.0.256", "10.0.0.-1", "10.0.0"},
		},
		{
			matcher:   "10.0.[0-2].*",
			matches:   []string{"10.0.0.1", "10.0.2.1"},
			unmatches: []string{"10.0.3.1", "11.0.0.1", "render1"},
		},
	}
	for _, c := range cases {
		m, err := IPMatcherFromString(c.matcher)
		if err != nil {
			t.Fatalf("matcher %v: IPMatcherFromString: %v", c.matcher, err)
		}
		for _, s := range c.matches {
			if !m.Match(s) {
				t.Fatalf("matcher %v: want match, got unmatch: %v", c.matcher, s)
			}
		}
		for _, s := range c.unmatches {
			if m.Match(s) {
				t.Fatalf("matcher %v: want unmatch, got match: %v", c.matcher, s)
			}
		}
	}
}

func TestIPMatcherFromStringInvalid(t *testing.T) {
	for _, s := range []string{"10.0.0", "10.0.0.256", "10.0.[3-1].*", "10.0.[1-].*", "10.0.x.1"} {
		_, err := IPMatcherFromString(s)
		if err == nil {
			t.Fatalf("%v: want error, got nil", s)
		}
	}
}

func TestDomainMatcherMatch(t *testing.T) {
	cases := []struct {
		matcher   string
		matches   []string
		unmatches []string
	}{
		{
			matcher:   "localhost",
			matches:   []string{"localhost"},
			unmatches: []string{"remotehost", "mylocalhost", ""},
		},
		{
			matcher:   "*.farm.lan",
			matches:   []string{"a.farm.lan", "b.farm.lan"},
			unmatches: []string{"farm.lan", "a.b.farm.lan"},
		},
	}
	for _, c := range cases {
		m, err := DomainMatcherFromString(c.matcher)
		if err != nil {
			t.Fatalf("matcher %v: DomainMatcherFromString: %v", c.matcher, err)
		}
		for _, s := range c.matches {
			if !m.Match(s) {
				t.Fatalf("matcher %v: want match, got unmatch: %v", c.matcher, s)
			}
		}
		for _, s := range c.unmatches {
			if m.Match(s) {
				t.Fatalf("matcher %v: want unmatch, got match: %v", c.matcher, s)
			}
		}
	}
}

// fakeResolver resolves ips from a map.
type fakeResolver map[string][]string

func (r fakeResolver) lookupAddr(ctx context.Context, ip string) ([]string, error) {
	names, ok := r[ip]
	if !ok {
		return nil, errors.New("no such host")
	}
	return names, nil
}

func TestAdmission(t *testing.T) {
	a, err := NewAdmission([]string{"10.0.0.*"}, []string{"*.farm.internal"})
	if err != nil {
		t.Fatal(err)
	}
	a.LookupAddr = fakeResolver{
		"10.0.1.7":    {"r1.farm.internal."},
		"10.0.1.8":    {"r2.elsewhere."},
		"203.0.113.9": {"attacker.example."},
	}.lookupAddr
	cases := []struct {
		addr string
		want bool
	}{
		{"10.0.0.7:5123", true},
		{"10.0.1.7:5123", true},
		{"10.0.1.8:5123", false},
		{"10.0.1.9:5123", false},
		{"203.0.113.9:4000", false},
		{"pipe", false},
	}
	for _, c := range cases {
		got := a.Admit(c.addr)
		if got != c.want {
			t.Fatalf("admit %v: got %v, want %v", c.addr, got, c.want)
		}
	}
	if !(Admission{}).Admit("pipe") {
		t.Fatal("zero admission should admit everyone")
	}
}

func TestAdmissionIgnoresClaimedName(t *testing.T) {
	a, err := NewAdmission([]string{"10.0.0.*"}, []string{"*.farm.internal"})
	if err != nil {
		t.Fatal(err)
	}
	a.LookupAddr = fakeResolver{}.lookupAddr
	// A worker calling itself 10.0.0.1 or w.farm.internal from elsewhere.
	s := newServer(t)
	s.Admission = a
	for _, name := range []string{"10.0.0.1", "w.farm.internal"} {
		c, errc := connectFrom(t, s, "203.0.113.9:4000")
		if err := c.Send(proto.NewHello(name, proto.RoleWorker)); err != nil {
			t.Fatal(err)
		}
		m := recv(t, c)
		if m.Kind != proto.KindError {
			t.Fatalf("%v: got %v, want %v", name, m.Kind, proto.KindError)
		}
		if err := <-errc; err == nil {
			t.Fatalf("%v: worker should be refused", name)
		}
	}
	if n := len(s.Farm.Status().Workers); n != 0 {
		t.Fatalf("got %d workers, want none", n)
	}
}

// remoteConn is a connection from a given address.
type remoteConn struct {
	transport.Conn
	addr string
}

func (c remoteConn) RemoteAddr() string {
	return c.addr
}

func connectFrom(t *testing.T, s *Server, addr string) (transport.Conn, chan error) {
	t.Helper()
	a, b := transport.Pipe()
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(remoteConn{a, addr}) }()
	t.Cleanup(func() { b.Close() })
	return b, errc
}
