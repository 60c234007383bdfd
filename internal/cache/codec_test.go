package cache

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"

	"github.com/mattias-p/netbase/internal/envelope"
	"github.com/mattias-p/netbase/internal/errkind"
	"github.com/mattias-p/netbase/internal/question"
	"github.com/mattias-p/netbase/internal/resolver"
)

func TestRoundTripPreservesSuccessEntry(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Response = true
	packed, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	env, err := envelope.FromBytes(packed)
	if err != nil {
		t.Fatalf("envelope.FromBytes: %v", err)
	}

	c := New()
	q := question.New("example.com.", dns.TypeA, question.ProtoUDP, true).
		SetEdns(0, true, 4096, 10, []byte{0xAA, 0xBB})
	server := netip.MustParseAddr("192.0.2.1")

	c.buckets[q.Key()] = &bucket{
		question: q,
		servers: map[netip.Addr]*RetriedResponse{
			server: {
				Failures: []resolver.Failure{{QueryStart: 1000, QueryDuration: 50, Kind: errkind.Timeout}},
				Started:  2000,
				Duration: 30,
				Outcome:  Outcome{Ok: true, Envelope: env},
			},
		},
	}

	raw, err := c.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	reloaded, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	bk, ok := reloaded.buckets[q.Key()]
	if !ok {
		t.Fatal("expected bucket to survive round trip")
	}
	if bk.question.QName != q.QName || bk.question.QType != q.QType {
		t.Fatalf("question mismatch after round trip: %+v", bk.question)
	}
	if bk.question.EDNS == nil || bk.question.EDNS.OptionCode != 10 {
		t.Fatalf("EDNS not preserved: %+v", bk.question.EDNS)
	}

	rr, ok := bk.servers[server]
	if !ok {
		t.Fatal("expected server entry to survive round trip")
	}
	if len(rr.Failures) != 1 || rr.Failures[0].Kind != errkind.Timeout {
		t.Fatalf("failures not preserved: %+v", rr.Failures)
	}
	if !rr.Outcome.Ok || rr.Outcome.Envelope == nil {
		t.Fatalf("expected successful outcome, got %+v", rr.Outcome)
	}
	if string(rr.Outcome.Envelope.Encoded) != string(packed) {
		t.Fatal("encoded bytes not preserved exactly")
	}
	if rr.Outcome.Envelope.Decoded == nil {
		t.Fatal("expected re-decode to succeed for a valid packet")
	}
}

func TestRoundTripPreservesFailureEntry(t *testing.T) {
	c := New()
	q := question.New("example.org.", dns.TypeAAAA, question.ProtoTCP, false)
	server := netip.MustParseAddr("2001:db8::1")

	c.buckets[q.Key()] = &bucket{
		question: q,
		servers: map[netip.Addr]*RetriedResponse{
			server: {
				Started:  500,
				Duration: 10,
				Outcome:  Outcome{Ok: false, Kind: errkind.Timeout},
			},
		},
	}

	raw, err := c.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	reloaded, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	bk := reloaded.buckets[q.Key()]
	if bk == nil {
		t.Fatal("expected bucket to survive round trip")
	}
	rr := bk.servers[server]
	if rr == nil || rr.Outcome.Ok || rr.Outcome.Kind != errkind.Timeout {
		t.Fatalf("unexpected outcome after round trip: %+v", rr)
	}
}

func TestQNameEncodingRoundTripsRelativeAndAbsolute(t *testing.T) {
	for _, name := range []string{"example.com.", "example.com", "."} {
		labels := encodeQName(name)
		got := decodeQName(labels)
		if got != name {
			t.Fatalf("encodeQName/decodeQName(%q) round trip got %q", name, got)
		}
	}
}
