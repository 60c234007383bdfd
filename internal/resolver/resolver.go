// Package resolver implements Net, the async-style resolver backend that
// issues one retried DNS exchange per (question, server) pair.
package resolver

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/mattias-p/netbase/internal/errkind"
	"github.com/mattias-p/netbase/internal/question"
)

// Failure records one non-final failed attempt.
type Failure struct {
	QueryStart    uint64
	QueryDuration uint32
	Kind          errkind.Kind
}

// Result is the outcome of the final attempt in a Lookup call: either the
// raw response bytes, or the classified error.
type Result struct {
	Ok  []byte
	Err errkind.Kind
}

// Config is Net's immutable configuration.
type Config struct {
	BindAddr netip.AddrPort
	Timeout  time.Duration
	Retry    uint16
	Retrans  time.Duration
}

// Net is an immutable resolver backend. It holds no runtime handle; Go's
// goroutines and context.Context already provide the suspension points and
// cancellation semantics the reference's owned async runtime supplies.
type Net struct {
	cfg Config
}

// New constructs a Net from cfg.
func New(cfg Config) *Net {
	return &Net{cfg: cfg}
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Lookup issues one retried exchange against server for q, returning the
// chronological list of non-final failures plus the final attempt's
// started/duration/outcome, per spec §4.4.
func (n *Net) Lookup(ctx context.Context, q question.Question, server netip.Addr) (failures []Failure, started uint64, duration uint32, res Result) {
	t0 := nowMillis()
	start := time.Now()

	dialer := net.Dialer{Timeout: n.cfg.Timeout}
	if n.cfg.BindAddr.IsValid() {
		dialer.LocalAddr = localAddr(q.Proto, n.cfg.BindAddr)
	}

	addr := netip.AddrPortFrom(server, 53).String()
	conn, err := dialer.DialContext(ctx, q.Proto.Network(), addr)
	if err != nil {
		logConnectError(server, err)
		return nil, t0, uint32(time.Since(start).Milliseconds()), Result{Err: errkind.Classify(err)}
	}
	defer conn.Close()

	tries := n.cfg.Retry
	if tries == 0 {
		tries = 1
	}

	for triesLeft := int(tries) - 1; ; triesLeft-- {
		queryStart := nowMillis()
		attemptBegin := time.Now()

		raw, kind := n.exchange(ctx, conn, q)

		queryDuration := uint32(time.Since(attemptBegin).Milliseconds())

		if kind == errkind.None {
			return failures, queryStart, queryDuration, Result{Ok: raw}
		}

		if triesLeft > 0 {
			failures = append(failures, Failure{
				QueryStart:    queryStart,
				QueryDuration: queryDuration,
				Kind:          kind,
			})
			select {
			case <-ctx.Done():
				return failures, queryStart, queryDuration, Result{Err: errkind.Classify(ctx.Err())}
			case <-time.After(n.cfg.Retrans):
			}
			continue
		}

		return failures, queryStart, queryDuration, Result{Err: kind}
	}
}

// exchange performs exactly one write/read cycle and classifies the
// outcome, always preserving raw bytes on the wire-level path even if
// unpacking later fails — that preservation happens one layer up, in
// envelope.FromBytes, so exchange itself just returns raw bytes or a
// classified failure.
func (n *Net) exchange(ctx context.Context, conn net.Conn, q question.Question) ([]byte, errkind.Kind) {
	msg := q.BuildMessage()
	packed, err := msg.Pack()
	if err != nil {
		return nil, errkind.Internal
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if n.cfg.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(n.cfg.Timeout))
	}

	var raw []byte
	if q.Proto == question.ProtoTCP {
		raw, err = n.exchangeTCP(conn, msg)
	} else {
		raw, err = n.exchangeUDP(conn, packed, q)
	}
	if err != nil {
		logExchangeError(conn.RemoteAddr(), err)
		return nil, errkind.Classify(err)
	}

	if len(raw) == 0 {
		return nil, errkind.Protocol
	}

	return raw, errkind.None
}

func (n *Net) exchangeTCP(conn net.Conn, msg *dns.Msg) ([]byte, error) {
	dc := &dns.Conn{Conn: conn}
	if err := dc.WriteMsg(msg); err != nil {
		return nil, err
	}
	// Read strips the 2-byte length prefix and returns the payload without
	// parsing it, so malformed responses are never lost before reaching
	// the envelope.
	buf := make([]byte, dns.MaxMsgSize)
	nRead, err := dc.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:nRead], nil
}

func (n *Net) exchangeUDP(conn net.Conn, packed []byte, q question.Question) ([]byte, error) {
	if _, err := conn.Write(packed); err != nil {
		return nil, err
	}

	bufSize := 512
	if q.EDNS != nil && int(q.EDNS.MaxPayload) > bufSize {
		bufSize = int(q.EDNS.MaxPayload)
	}
	buf := make([]byte, bufSize)
	nRead, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:nRead], nil
}

func localAddr(proto question.Protocol, bind netip.AddrPort) net.Addr {
	if proto == question.ProtoTCP {
		return net.TCPAddrFromAddrPort(bind)
	}
	return net.UDPAddrFromAddrPort(bind)
}
