// Package resolve implements the asynchronous address resolver of
// spec.md §4.2: given a literal address or a domain name plus a port, it
// produces a resolved Endpoint without blocking the reactor thread.
//
// It generalizes the teacher's sendDNSQuery/processDNSResponse pair
// (internal/application/proxy_service.go) from a single inline DNS
// client coupled to one session field into a standalone component any
// session can share, keyed by DNS message ID rather than by client fd.
package resolve

import (
	"net"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"github.com/CXDXVR/socks-proxy/internal/domain"
)

// defaultUpstream is used when no recursive resolver is configured; the
// core has no configuration surface for this (spec.md scopes
// configuration to socks4.*/socks5.* options only), so a well-known
// public resolver is used, matching the teacher's own hard-coded choice.
var defaultUpstream = domain.Endpoint{IP: net.IPv4(8, 8, 8, 8), Port: 53}

type pending struct {
	kind      domain.Kind
	host      string
	port      uint16
	cb        func(domain.Endpoint, error)
	triedAAAA bool
}

// Resolver owns one UDP socket used for outbound DNS queries and matches
// responses back to callers by DNS message ID.
type Resolver struct {
	fd       int
	upstream domain.Endpoint
	pending  map[uint16]pending
	nextID   uint16
}

// New binds the resolver's query socket. The caller (proxyserver.Server)
// registers the returned fd with the reactor and routes its readiness
// events to HandleEvent.
func New() (*Resolver, error) {
	fd, err := bindQuerySocket()
	if err != nil {
		return nil, err
	}
	return &Resolver{fd: fd, upstream: defaultUpstream, pending: make(map[uint16]pending)}, nil
}

// FD is the resolver's own socket, for registration with the reactor.
func (r *Resolver) FD() int { return r.fd }

// Resolve looks up host (a literal IPv4/IPv6 address or a domain name).
// A literal invokes cb immediately. Otherwise, if the query cannot be
// sent, Resolve returns the error and cb is not invoked; if it is sent,
// cb is invoked once, on the reactor thread, with either a resolved
// Endpoint or an error when the response arrives. There is no timeout:
// a query that is never answered leaves cb uninvoked.
func (r *Resolver) Resolve(kind domain.Kind, host string, port uint16, cb func(domain.Endpoint, error)) error {
	if ip := net.ParseIP(host); ip != nil {
		cb(domain.Endpoint{IP: ip, Port: port}, nil)
		return nil
	}
	return r.query(kind, host, port, cb)
}

func (r *Resolver) query(kind domain.Kind, host string, port uint16, cb func(domain.Endpoint, error)) error {
	return r.send(dns.TypeA, pending{kind: kind, host: host, port: port, cb: cb})
}

// retryAAAA re-queries host for an AAAA record, reusing p's callback and
// port. Issued only after an A query for the same host came back with no
// A records (SPEC_FULL.md §4.2's documented AAAA fallback).
func (r *Resolver) retryAAAA(p pending) error {
	p.triedAAAA = true
	return r.send(dns.TypeAAAA, p)
}

func (r *Resolver) send(qtype uint16, p pending) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(p.host), qtype)
	m.RecursionDesired = true
	m.Id = r.allocID()

	packed, err := m.Pack()
	if err != nil {
		return err
	}

	if err := sendQuery(r.fd, packed, r.upstream); err != nil {
		return err
	}

	r.pending[m.Id] = p
	return nil
}

// allocID hands out DNS message IDs; collisions with a still-pending
// query are skipped, matching the resolver-local id space described by
// spec.md §4.6 for session identifiers (wrap-around search with
// occupancy check).
func (r *Resolver) allocID() uint16 {
	for {
		r.nextID++
		id := r.nextID
		if _, busy := r.pending[id]; !busy {
			return id
		}
	}
}

// HandleEvent processes one readable DNS response. It is called by the
// top-level dispatcher whenever fd == r.FD().
func (r *Resolver) HandleEvent(fd int, event domain.EventType) error {
	if fd != r.fd || event&domain.EventRead == 0 {
		return nil
	}
	buf := make([]byte, 512)
	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	if err != nil {
		return nil
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf[:n]); err != nil {
		return nil
	}

	p, ok := r.pending[msg.Id]
	if !ok {
		return nil
	}
	delete(r.pending, msg.Id)

	for _, ans := range msg.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			p.cb(domain.Endpoint{IP: rr.A, Port: p.port}, nil)
			return nil
		case *dns.AAAA:
			p.cb(domain.Endpoint{IP: rr.AAAA, Port: p.port}, nil)
			return nil
		}
	}

	if !p.triedAAAA {
		if err := r.retryAAAA(p); err == nil {
			return nil
		}
	}
	p.cb(domain.Endpoint{}, &net.DNSError{Err: "no A or AAAA records", Name: p.host})
	return nil
}

func bindQuerySocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

func sendQuery(fd int, packed []byte, ep domain.Endpoint) error {
	sa := &unix.SockaddrInet4{Port: int(ep.Port)}
	v4 := ep.IP.To4()
	copy(sa.Addr[:], v4)
	return unix.Sendto(fd, packed, 0, sa)
}
