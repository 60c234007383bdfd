// Package question implements the Question value type that identifies a
// single DNS probe, along with its EDNS options and protocol request
// construction.
package question

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Protocol selects the transport a Question is resolved over. The integer
// values are part of the external ABI (spec §6): datagram=1, stream=2.
type Protocol uint8

const (
	// ProtoUDP resolves the question over DNS-over-UDP.
	ProtoUDP Protocol = 1
	// ProtoTCP resolves the question over DNS-over-TCP.
	ProtoTCP Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Network returns the Go "net" package network name for dialing.
func (p Protocol) Network() string {
	if p == ProtoTCP {
		return "tcp"
	}
	return "udp"
}

// EdnsConfig carries the EDNS(0) options to attach to a request. A zero
// OptionCode means no custom option is present.
type EdnsConfig struct {
	Version     uint8
	DNSSECOk    bool
	MaxPayload  uint16
	OptionCode  uint16
	OptionValue []byte
}

// Question is the immutable 5-tuple identifying a probe. It is not a
// comparable Go type (EdnsConfig.OptionValue is a slice); code that needs a
// hashable key uses Key() instead.
type Question struct {
	QName            string
	QType            uint16
	Proto            Protocol
	RecursionDesired bool
	EDNS             *EdnsConfig
}

// New constructs a Question with no EDNS options set.
func New(qname string, qtype uint16, proto Protocol, recursionDesired bool) Question {
	return Question{
		QName:            qname,
		QType:            qtype,
		Proto:            proto,
		RecursionDesired: recursionDesired,
	}
}

// SetEdns returns a copy of q with the given EDNS options attached.
func (q Question) SetEdns(version uint8, dnssecOk bool, maxPayload uint16, optionCode uint16, optionValue []byte) Question {
	q.EDNS = &EdnsConfig{
		Version:     version,
		DNSSECOk:    dnssecOk,
		MaxPayload:  maxPayload,
		OptionCode:  optionCode,
		OptionValue: append([]byte(nil), optionValue...),
	}
	return q
}

// BuildMessage constructs the DNS request message for this question per
// spec §4.2: an empty message, one query record, message type/opcode set
// to query, the rd flag from RecursionDesired, and — if EDNS is present —
// an OPT record carrying version, DO, advertised UDP size and (if
// OptionCode != 0) an unknown-option record.
func (q Question) BuildMessage() *dns.Msg {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.Opcode = dns.OpcodeQuery
	m.Response = false
	m.RecursionDesired = q.RecursionDesired
	m.Question = []dns.Question{{
		Name:   q.QName,
		Qtype:  q.QType,
		Qclass: dns.ClassINET,
	}}

	if q.EDNS != nil {
		m.SetEdns0(q.EDNS.MaxPayload, q.EDNS.DNSSECOk)
		opt := m.IsEdns0()
		opt.SetVersion(q.EDNS.Version)
		if q.EDNS.OptionCode != 0 {
			opt.Option = append(opt.Option, &dns.EDNS0_LOCAL{
				Code: q.EDNS.OptionCode,
				Data: append([]byte(nil), q.EDNS.OptionValue...),
			})
		}
	}

	return m
}

// String renders the human-readable "dig-style flags" form from spec §6:
//
//	"{qname} {qtype} +[no]recurse +edns {ver} +[no]dnssec +[no]ednsopt[ {code}] +{proto}"
//
// when EDNS is set, or
//
//	"{qname} {qtype} +[no]recurse +noedns +{proto}"
//
// otherwise.
func (q Question) String() string {
	recurse := "norecurse"
	if q.RecursionDesired {
		recurse = "recurse"
	}
	qtype := dns.TypeToString[q.QType]
	if qtype == "" {
		qtype = fmt.Sprintf("TYPE%d", q.QType)
	}

	if q.EDNS == nil {
		return fmt.Sprintf("%s %s +%s +noedns +%s", q.QName, qtype, recurse, q.Proto)
	}

	dnssec := "nodnssec"
	if q.EDNS.DNSSECOk {
		dnssec = "dnssec"
	}
	ednsopt := "noednsopt"
	if q.EDNS.OptionCode != 0 {
		ednsopt = fmt.Sprintf("ednsopt %d", q.EDNS.OptionCode)
	}

	return fmt.Sprintf("%s %s +%s +edns %d +%s +%s +%s",
		q.QName, qtype, recurse, q.EDNS.Version, dnssec, ednsopt, q.Proto)
}

// Key returns a canonical byte-exact encoding of q suitable for use as a
// map key, spanning every field including the EDNS option value — spec §4.2
// requires hash/equality to be byte-exact over the option value.
func (q Question) Key() string {
	var sb strings.Builder
	sb.WriteString(q.QName)
	sb.WriteByte(0)

	var u16buf [2]byte
	binary.BigEndian.PutUint16(u16buf[:], q.QType)
	sb.Write(u16buf[:])
	sb.WriteByte(byte(q.Proto))
	if q.RecursionDesired {
		sb.WriteByte(1)
	} else {
		sb.WriteByte(0)
	}

	if q.EDNS == nil {
		sb.WriteByte(0)
		return sb.String()
	}
	sb.WriteByte(1)
	sb.WriteByte(q.EDNS.Version)
	if q.EDNS.DNSSECOk {
		sb.WriteByte(1)
	} else {
		sb.WriteByte(0)
	}
	binary.BigEndian.PutUint16(u16buf[:], q.EDNS.MaxPayload)
	sb.Write(u16buf[:])
	binary.BigEndian.PutUint16(u16buf[:], q.EDNS.OptionCode)
	sb.Write(u16buf[:])
	sb.Write(q.EDNS.OptionValue)

	return sb.String()
}
