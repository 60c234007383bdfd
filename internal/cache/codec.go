package cache

import (
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/mattias-p/netbase/internal/envelope"
	"github.com/mattias-p/netbase/internal/errkind"
	"github.com/mattias-p/netbase/internal/question"
	"github.com/mattias-p/netbase/internal/resolver"
)

// cacheFile is the top-level msgpack-encoded document: a flat list of
// entries rather than nested maps, so the format self-describes without
// relying on msgpack map-key typing for netip.Addr/Question.
type cacheFile struct {
	Entries []entryRecord
}

type entryRecord struct {
	Question wireQuestion
	Server   string
	Response wireResponse
}

type wireQuestion struct {
	QName            [][]byte
	QType            uint16
	Proto            uint8
	RecursionDesired bool
	EDNS             *wireEdns
}

type wireEdns struct {
	Version     uint8
	DNSSECOk    bool
	MaxPayload  uint16
	OptionCode  uint16
	OptionValue []byte
}

type wireResponse struct {
	Failures []wireFailure
	Started  uint64
	Duration uint32
	IsOk     bool
	Encoded  []byte
	ErrKind  uint8
}

type wireFailure struct {
	QueryStart    uint64
	QueryDuration uint32
	Kind          uint8
}

// ToBytes serializes the cache's {question -> {server -> RetriedResponse}}
// graph into MessagePack. The reading flag and any resolver/runtime state
// are never part of the wire format.
func (c *Cache) ToBytes() ([]byte, error) {
	var file cacheFile
	for _, b := range c.buckets {
		wq := toWireQuestion(b.question)
		for server, rr := range b.servers {
			file.Entries = append(file.Entries, entryRecord{
				Question: wq,
				Server:   server.String(),
				Response: toWireResponse(rr),
			})
		}
	}
	return msgpack.Marshal(&file)
}

// FromBytes reconstructs a Cache from bytes produced by ToBytes. Every
// stored response is re-decoded via envelope.FromBytes; a decode failure
// there does not fail the overall load, it just leaves that entry's
// Decoded unset (surfacing as Protocol on projection). Load fails only on
// a msgpack structural error or a server address that does not parse.
func FromBytes(b []byte) (*Cache, error) {
	var file cacheFile
	if err := msgpack.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("cache: decode: %w", err)
	}

	c := New()
	for _, e := range file.Entries {
		server, err := netip.ParseAddr(e.Server)
		if err != nil {
			return nil, fmt.Errorf("cache: decode server address %q: %w", e.Server, err)
		}
		q := fromWireQuestion(e.Question)
		key := q.Key()

		bk, ok := c.buckets[key]
		if !ok {
			bk = &bucket{question: q, servers: make(map[netip.Addr]*RetriedResponse)}
			c.buckets[key] = bk
		}
		bk.servers[server] = fromWireResponse(e.Response)
	}
	return c, nil
}

func toWireQuestion(q question.Question) wireQuestion {
	wq := wireQuestion{
		QName:            encodeQName(q.QName),
		QType:            q.QType,
		Proto:            uint8(q.Proto),
		RecursionDesired: q.RecursionDesired,
	}
	if q.EDNS != nil {
		wq.EDNS = &wireEdns{
			Version:     q.EDNS.Version,
			DNSSECOk:    q.EDNS.DNSSECOk,
			MaxPayload:  q.EDNS.MaxPayload,
			OptionCode:  q.EDNS.OptionCode,
			OptionValue: append([]byte(nil), q.EDNS.OptionValue...),
		}
	}
	return wq
}

func fromWireQuestion(wq wireQuestion) question.Question {
	q := question.Question{
		QName:            decodeQName(wq.QName),
		QType:            wq.QType,
		Proto:            question.Protocol(wq.Proto),
		RecursionDesired: wq.RecursionDesired,
	}
	if wq.EDNS != nil {
		q.EDNS = &question.EdnsConfig{
			Version:     wq.EDNS.Version,
			DNSSECOk:    wq.EDNS.DNSSECOk,
			MaxPayload:  wq.EDNS.MaxPayload,
			OptionCode:  wq.EDNS.OptionCode,
			OptionValue: append([]byte(nil), wq.EDNS.OptionValue...),
		}
	}
	return q
}

// encodeQName splits a DNS name into its labels via dns.SplitDomainName and
// appends a trailing empty label when the name is fully qualified (ends in
// a dot), mirroring the original implementation's
// custom_serde::binary::name scheme.
func encodeQName(name string) [][]byte {
	labels := dns.SplitDomainName(name)
	out := make([][]byte, 0, len(labels)+1)
	for _, l := range labels {
		out = append(out, []byte(l))
	}
	if dns.IsFqdn(name) {
		out = append(out, []byte{})
	}
	return out
}

func decodeQName(labels [][]byte) string {
	if len(labels) == 0 {
		return "."
	}
	fqdn := len(labels[len(labels)-1]) == 0
	parts := labels
	if fqdn {
		parts = labels[:len(labels)-1]
	}
	name := ""
	for i, l := range parts {
		if i > 0 {
			name += "."
		}
		name += string(l)
	}
	if fqdn {
		name += "."
	}
	return name
}

func toWireResponse(rr *RetriedResponse) wireResponse {
	wr := wireResponse{
		Started:  rr.Started,
		Duration: rr.Duration,
		IsOk:     rr.Outcome.Ok,
	}
	for _, f := range rr.Failures {
		wr.Failures = append(wr.Failures, wireFailure{
			QueryStart:    f.QueryStart,
			QueryDuration: f.QueryDuration,
			Kind:          uint8(f.Kind),
		})
	}
	if rr.Outcome.Ok {
		wr.Encoded = append([]byte(nil), rr.Outcome.Envelope.Encoded...)
	} else {
		wr.ErrKind = uint8(rr.Outcome.Kind)
	}
	return wr
}

func fromWireResponse(wr wireResponse) *RetriedResponse {
	rr := &RetriedResponse{Started: wr.Started, Duration: wr.Duration}
	for _, f := range wr.Failures {
		rr.Failures = append(rr.Failures, resolver.Failure{
			QueryStart:    f.QueryStart,
			QueryDuration: f.QueryDuration,
			Kind:          errkind.Kind(f.Kind),
		})
	}
	if wr.IsOk {
		env, _ := envelope.FromBytes(wr.Encoded)
		rr.Outcome = Outcome{Ok: true, Envelope: env}
	} else {
		rr.Outcome = Outcome{Ok: false, Kind: errkind.Kind(wr.ErrKind)}
	}
	return rr
}
