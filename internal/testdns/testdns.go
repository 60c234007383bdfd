// Package testdns is a scriptable stub DNS server used only by the
// internal/resolver and internal/cache test suites, adapted from the
// teacher's dns.Server + HandlerFunc wiring in internal/server.
package testdns

import (
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Action describes how the stub should respond to a single incoming query.
// A zero Action answers successfully with NOERROR and no records.
type Action struct {
	Drop      bool          // don't respond at all, simulating a timeout
	Delay     time.Duration // sleep before responding
	Malformed []byte        // if non-nil, write these raw bytes instead of a packed reply
	Rcode     int           // response code when not Malformed (default dns.RcodeSuccess)
}

// Server runs a UDP and a TCP listener on ephemeral ports, answering each
// incoming query according to the next unconsumed Action in its script.
// Once the script is exhausted, remaining queries get the zero Action.
type Server struct {
	mu      sync.Mutex
	actions []Action
	pos     int

	udp     *dns.Server
	tcp     *dns.Server
	udpAddr netip.AddrPort
	tcpAddr netip.AddrPort
}

// NewServer starts a stub server scripted with actions, consumed in order
// across both transports.
func NewServer(actions []Action) (*Server, error) {
	s := &Server{actions: actions}

	udpReady := make(chan struct{})
	s.udp = &dns.Server{
		Addr:              "127.0.0.1:0",
		Net:               "udp",
		Handler:           dns.HandlerFunc(s.handle),
		NotifyStartedFunc: func() { close(udpReady) },
	}
	udpErr := make(chan error, 1)
	go func() { udpErr <- s.udp.ListenAndServe() }()

	tcpReady := make(chan struct{})
	s.tcp = &dns.Server{
		Addr:              "127.0.0.1:0",
		Net:               "tcp",
		Handler:           dns.HandlerFunc(s.handle),
		NotifyStartedFunc: func() { close(tcpReady) },
	}
	tcpErr := make(chan error, 1)
	go func() { tcpErr <- s.tcp.ListenAndServe() }()

	select {
	case <-udpReady:
	case err := <-udpErr:
		return nil, err
	}
	select {
	case <-tcpReady:
	case err := <-tcpErr:
		return nil, err
	}

	udpAddr, err := netip.ParseAddrPort(s.udp.PacketConn.LocalAddr().String())
	if err != nil {
		return nil, err
	}
	tcpAddr, err := netip.ParseAddrPort(s.tcp.Listener.Addr().String())
	if err != nil {
		return nil, err
	}
	s.udpAddr = udpAddr
	s.tcpAddr = tcpAddr

	return s, nil
}

// UDPAddr is the stub's ephemeral UDP listening address.
func (s *Server) UDPAddr() netip.AddrPort { return s.udpAddr }

// TCPAddr is the stub's ephemeral TCP listening address.
func (s *Server) TCPAddr() netip.AddrPort { return s.tcpAddr }

// Shutdown stops both listeners.
func (s *Server) Shutdown() {
	s.udp.Shutdown()
	s.tcp.Shutdown()
}

func (s *Server) nextAction() Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.actions) {
		return Action{}
	}
	a := s.actions[s.pos]
	s.pos++
	return a
}

func (s *Server) handle(w dns.ResponseWriter, r *dns.Msg) {
	a := s.nextAction()

	if a.Delay > 0 {
		time.Sleep(a.Delay)
	}
	if a.Drop {
		return
	}
	if a.Malformed != nil {
		w.Write(a.Malformed)
		return
	}

	reply := new(dns.Msg)
	reply.SetReply(r)
	if a.Rcode != 0 {
		reply.Rcode = a.Rcode
	}
	w.WriteMsg(reply)
}
