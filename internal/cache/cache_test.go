package cache

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/mattias-p/netbase/internal/errkind"
	"github.com/mattias-p/netbase/internal/question"
	"github.com/mattias-p/netbase/internal/resolver"
	"github.com/mattias-p/netbase/internal/testdns"
)

func newResolver() resolver.Config {
	return resolver.Config{
		Timeout: 300 * time.Millisecond,
		Retry:   3,
		Retrans: 20 * time.Millisecond,
	}
}

func mustAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// S2 — cache hit skip: a second batch lookup against one cached server
// returns the memoized outcome rather than issuing a fresh query.
func TestLookupMemoizesAndSkipsCachedServer(t *testing.T) {
	srv, err := testdns.NewServer([]testdns.Action{{}})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	defer srv.Shutdown()

	n := resolver.New(newResolver())
	c := New()
	q := question.New("example.com.", 1, question.ProtoUDP, true)
	server := srv.UDPAddr().Addr()

	first := c.Lookup(context.Background(), n, q, []netip.Addr{server})
	if first[server].Err != errkind.None {
		t.Fatalf("first lookup failed: %v", first[server].Err)
	}

	// Shut the stub down: a second lookup against the same server must
	// not issue a fresh query, or it would fail since nothing answers.
	srv.Shutdown()

	second := c.Lookup(context.Background(), n, q, []netip.Addr{server})
	if second[server].Err != errkind.None {
		t.Fatalf("expected memoized success, got %v", second[server].Err)
	}
}

// S5 — reading lock: a Lookup issued from within a ForEachRequest callback
// must short-circuit to ErrorKind.Lock for every server.
func TestLookupDuringIterationIsLocked(t *testing.T) {
	srv, err := testdns.NewServer([]testdns.Action{{}})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	defer srv.Shutdown()

	n := resolver.New(newResolver())
	c := New()
	q := question.New("example.com.", 1, question.ProtoUDP, true)
	server := srv.UDPAddr().Addr()

	res := c.Lookup(context.Background(), n, q, []netip.Addr{server})
	if res[server].Err != errkind.None {
		t.Fatalf("seed lookup failed: %v", res[server].Err)
	}

	var nestedErr errkind.Kind
	c.ForEachRequest(func(question.Question, netip.Addr) {
		nested := c.Lookup(context.Background(), n, q, []netip.Addr{server})
		nestedErr = nested[server].Err
	})

	if nestedErr != errkind.Lock {
		t.Fatalf("got %v, want Lock for re-entrant lookup during iteration", nestedErr)
	}

	// After ForEachRequest returns, the lock must be released.
	again := c.Lookup(context.Background(), n, q, []netip.Addr{server})
	if again[server].Err != errkind.None {
		t.Fatalf("expected lock released after iteration, got %v", again[server].Err)
	}
}

// Failure accounting: retry exhaustion stores failures with length one
// less than the configured retry count, and ForEachRetry replays each of
// them.
func TestFailureAccounting(t *testing.T) {
	srv, err := testdns.NewServer([]testdns.Action{{Drop: true}, {Drop: true}})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	defer srv.Shutdown()

	cfg := newResolver()
	cfg.Retry = 2
	cfg.Timeout = 100 * time.Millisecond
	cfg.Retrans = 10 * time.Millisecond
	n := resolver.New(cfg)
	c := New()
	q := question.New("example.com.", 1, question.ProtoUDP, true)
	server := srv.UDPAddr().Addr()

	res := c.Lookup(context.Background(), n, q, []netip.Addr{server})
	if res[server].Err != errkind.Timeout {
		t.Fatalf("got %v, want Timeout", res[server].Err)
	}

	var replayed []errkind.Kind
	c.ForEachRetry(q, server, func(start uint64, duration uint32, kind errkind.Kind) {
		replayed = append(replayed, kind)
	})
	if len(replayed) != 1 {
		t.Fatalf("got %d replayed failures, want 1", len(replayed))
	}
}

// Absent-server semantics: a pure cache read (net == nil) omits servers
// with no stored entry rather than reporting an error for them.
func TestPureLookupOmitsUnknownServers(t *testing.T) {
	c := New()
	q := question.New("example.com.", 1, question.ProtoUDP, true)
	unknown := mustAddr("192.0.2.9")

	res := c.Lookup(context.Background(), nil, q, []netip.Addr{unknown})
	if _, present := res[unknown]; present {
		t.Fatal("expected unknown server to be absent from the result map")
	}
}

// Parse failure: a malformed response is still stored and projects to
// Protocol, and survives a serialize/deserialize round trip unchanged
// (continuation of S4).
func TestMalformedResponseSurvivesRoundTrip(t *testing.T) {
	srv, err := testdns.NewServer([]testdns.Action{{Malformed: []byte{0x01, 0x02, 0x03}}})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	defer srv.Shutdown()

	n := resolver.New(newResolver())
	c := New()
	q := question.New("example.com.", 1, question.ProtoUDP, true)
	server := srv.UDPAddr().Addr()

	res := c.Lookup(context.Background(), n, q, []netip.Addr{server})
	if res[server].Err != errkind.Protocol {
		t.Fatalf("got %v, want Protocol", res[server].Err)
	}

	raw, err := c.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	reloaded, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	again := reloaded.Lookup(context.Background(), nil, q, []netip.Addr{server})
	if again[server].Err != errkind.Protocol {
		t.Fatalf("got %v after round trip, want Protocol", again[server].Err)
	}
}
