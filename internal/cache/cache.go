// Package cache implements the two-level, deduplicating store that
// coordinates lookups against a resolver.Net and persists its contents.
package cache

import (
	"context"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"

	"github.com/mattias-p/netbase/internal/envelope"
	"github.com/mattias-p/netbase/internal/errkind"
	"github.com/mattias-p/netbase/internal/question"
	"github.com/mattias-p/netbase/internal/resolver"
)

// Outcome is either a successful envelope or a classified failure kind.
// Exactly one of the two fields is meaningful, selected by Ok.
type Outcome struct {
	Ok       bool
	Envelope *envelope.Envelope
	Kind     errkind.Kind
}

// RetriedResponse is the stored history for one (Question, Server): the
// chronological non-final failures plus the final attempt's timing and
// outcome.
type RetriedResponse struct {
	Failures []resolver.Failure
	Started  uint64
	Duration uint32
	Outcome  Outcome
}

// SingleResponse is the external projection of a RetriedResponse returned
// from a batch Lookup.
type SingleResponse struct {
	Started  uint64
	Duration uint32
	Decoded  any // *dns.Msg on success; nil otherwise
	Size     uint16
	Err      errkind.Kind // errkind.None on success
}

// bucket holds every server's RetriedResponse for one question, plus the
// question value itself (needed since the outer map is keyed on a string
// encoding, not the Question value).
type bucket struct {
	question question.Question
	servers  map[netip.Addr]*RetriedResponse
}

// Cache is a single-goroutine, in-memory memo of (question, server)
// lookups. It holds no mutex: the reading flag is a cooperative guard
// against mutation-during-iteration re-entrancy, not a concurrency
// primitive (spec §4.5.2/§5).
type Cache struct {
	buckets map[string]*bucket
	reading bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{buckets: make(map[string]*bucket)}
}

// Lookup resolves q against servers. If net is nil this is a pure cache
// read: servers with no stored entry are simply absent from the result.
// If net is non-nil, cache misses are resolved concurrently and inserted
// before the call returns; while an iteration is in progress, every server
// instead yields errkind.Lock.
func (c *Cache) Lookup(ctx context.Context, net *resolver.Net, q question.Question, servers []netip.Addr) map[netip.Addr]SingleResponse {
	result := make(map[netip.Addr]SingleResponse, len(servers))

	if net != nil && c.reading {
		for _, s := range servers {
			result[s] = SingleResponse{Err: errkind.Lock}
		}
		return result
	}

	key := q.Key()
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{question: q, servers: make(map[netip.Addr]*RetriedResponse)}
		if net != nil {
			c.buckets[key] = b
		}
	}

	var toQuery []netip.Addr
	for _, s := range servers {
		if rr, found := b.servers[s]; found {
			result[s] = project(rr)
			continue
		}
		if net == nil {
			continue
		}
		toQuery = append(toQuery, s)
	}

	if net == nil || len(toQuery) == 0 {
		return result
	}

	type resolved struct {
		server netip.Addr
		rr     *RetriedResponse
	}
	resolvedCh := make(chan resolved, len(toQuery))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range toQuery {
		s := s
		g.Go(func() error {
			failures, started, duration, res := net.Lookup(gctx, q, s)
			rr := &RetriedResponse{Failures: failures, Started: started, Duration: duration}
			if res.Err != errkind.None {
				rr.Outcome = Outcome{Ok: false, Kind: res.Err}
			} else {
				env, decodeErr := envelope.FromBytes(res.Ok)
				if decodeErr != nil {
					log.Debug().Str("server", s.String()).Uint64("started", started).Err(decodeErr).Msg("response decode failed, bytes retained")
				}
				rr.Outcome = Outcome{Ok: true, Envelope: env}
			}
			resolvedCh <- resolved{server: s, rr: rr}
			return nil
		})
	}
	g.Wait()
	close(resolvedCh)

	// A canceled batch commits none of its fresh outcomes; those servers
	// stay unresolved and are absent from the result.
	if ctx.Err() != nil {
		return result
	}

	for r := range resolvedCh {
		b.servers[r.server] = r.rr
		result[r.server] = project(r.rr)
	}

	return result
}

// project implements the RetriedResponse -> SingleResponse projection of
// spec §4.5 step 3.
func project(rr *RetriedResponse) SingleResponse {
	sr := SingleResponse{Started: rr.Started, Duration: rr.Duration}
	if !rr.Outcome.Ok {
		sr.Err = rr.Outcome.Kind
		return sr
	}
	env := rr.Outcome.Envelope
	if env.Decoded == nil {
		sr.Err = errkind.Protocol
		return sr
	}
	sr.Decoded = env.Decoded
	sr.Size = uint16(len(env.Encoded))
	return sr
}

// ForEachRequest invokes cb for every (question, server) pair present in
// the cache. Order is unspecified. The reading flag is raised for the
// duration of the call and restored via defer, preserving any outer
// iteration's saved state, so this is safe to call re-entrantly from
// within another ForEachRequest/ForEachRetry callback.
func (c *Cache) ForEachRequest(cb func(question.Question, netip.Addr)) {
	saved := c.reading
	c.reading = true
	defer func() { c.reading = saved }()

	for _, b := range c.buckets {
		for s := range b.servers {
			cb(b.question, s)
		}
	}
}

// ForEachRetry invokes cb for each chronological Failure recorded for
// (q, s). If no entry exists for the pair, cb is never invoked and no
// error is reported.
func (c *Cache) ForEachRetry(q question.Question, s netip.Addr, cb func(start uint64, duration uint32, kind errkind.Kind)) {
	saved := c.reading
	c.reading = true
	defer func() { c.reading = saved }()

	b, ok := c.buckets[q.Key()]
	if !ok {
		return
	}
	rr, ok := b.servers[s]
	if !ok {
		return
	}
	for _, f := range rr.Failures {
		cb(f.QueryStart, f.QueryDuration, f.Kind)
	}
}
