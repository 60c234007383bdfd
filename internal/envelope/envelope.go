// Package envelope wraps a raw DNS wire packet together with a best-effort
// decode of it, so that a parse failure never costs the cache the original
// bytes.
package envelope

import (
	"bytes"

	"github.com/miekg/dns"
)

// Envelope retains the exact bytes a server sent, plus the parsed message
// if decoding succeeded. Equality is defined over Encoded only — two
// envelopes with different decode outcomes for the same bytes are equal.
type Envelope struct {
	Encoded []byte
	Decoded *dns.Msg
}

// FromBytes always returns a non-nil *Envelope holding b verbatim. The
// returned error is the decode failure, if any; callers that only need the
// envelope for storage are free to ignore it, since the bytes are retained
// either way.
func FromBytes(b []byte) (*Envelope, error) {
	env := &Envelope{Encoded: b}
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return env, err
	}
	env.Decoded = msg
	return env, nil
}

// Equal compares two envelopes by their raw bytes only, per the invariant
// in spec §3.
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	return bytes.Equal(e.Encoded, other.Encoded)
}
