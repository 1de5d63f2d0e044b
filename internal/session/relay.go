package session

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/CXDXVR/socks-proxy/internal/domain"
	"github.com/CXDXVR/socks-proxy/internal/infra/netutil"
	"github.com/CXDXVR/socks-proxy/internal/wire/socks5"
)

// startTCPRelay begins the bidirectional byte-pump (spec.md §4.5). It
// allocates one 4096-byte buffer per direction — never a single shared
// buffer, per spec.md §9's explicit correction of the source's
// behavior — and switches both the client and remote fds to read
// interest. The command reply must already have been written in full
// by the caller before this runs (spec.md §5's ordering guarantee).
func (c *core) startTCPRelay() error {
	c.relayStarted = true
	c.clientToRemote = make([]byte, tcpBufferSize)
	c.remoteToClient = make([]byte, tcpBufferSize)

	if err := c.modify(c.clientFD, domain.EventRead); err != nil {
		return err
	}
	return c.modify(c.remoteFD, domain.EventRead)
}

// pumpTCP runs one read/forward cycle for whichever side of the relay
// src belongs to. Each direction is an independent loop of
// read_some -> write_all -> next read_some; the two directions are not
// ordered with respect to each other (spec.md §5).
func (c *core) pumpTCP(src int) *domain.SessionError {
	var dst int
	var buf []byte
	if src == c.clientFD {
		dst = c.remoteFD
		buf = c.clientToRemote
	} else {
		dst = c.clientFD
		buf = c.remoteToClient
	}

	n, err := unix.Read(src, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return domain.Fail(domain.CategoryTransportError, err)
	}
	if n == 0 {
		return domain.Fail(domain.CategoryPeerEOF, nil)
	}

	if err := writeFull(dst, buf[:n]); err != nil {
		return domain.Fail(domain.CategoryTransportError, err)
	}
	return nil
}

// endRelay logs and terminates according to the §7 taxonomy: peer EOF is
// info, everything else that reaches here is an error.
func (c *core) endRelay(se *domain.SessionError) {
	level := slog.LevelError
	if se.Category == domain.CategoryPeerEOF {
		level = slog.LevelInfo
	}
	c.terminate(se.Category, se.Unwrap(), level)
}

// startUDPRelay sizes the UDP-direction buffer to udpBufferSize and sets
// read interest on the session's UDP relay socket, which the caller
// (Socks5.dispatchUDPAssociate) has already opened and registered. The
// caller arms the WaitCloseTCP watcher before calling this (spec.md §4.5,
// §5's ordering: the reply completes, then the watcher is armed, then UDP
// datagrams are serviced).
func (c *core) startUDPRelay() error {
	c.clientToRemote = make([]byte, udpBufferSize)
	return c.modify(c.udpFD, domain.EventRead)
}

// pumpUDP services one inbound datagram on the UDP relay socket,
// classifying the sender as the client or the application peer and
// forwarding accordingly (spec.md §4.5). Errors here are logged at
// warning and never terminate the association — RFC 1928 prescribes
// silent drop of malformed datagrams.
func (c *core) pumpUDP() {
	buf := c.clientToRemote
	n, from, err := netutil.RecvFrom(c.udpFD, buf)
	if err != nil {
		if err != unix.EAGAIN {
			c.log.Warn("udp relay read failed", "error", domain.Fail(domain.CategoryUDPError, err))
		}
		return
	}

	if c.udpClientEP == nil {
		ep := from
		c.udpClientEP = &ep
	}

	if sameEndpoint(from, *c.udpClientEP) {
		c.forwardFromClient(buf[:n])
	} else {
		c.udpAppEP = from
		c.forwardFromApp(from, buf[:n])
	}
}

func (c *core) forwardFromClient(datagram []byte) {
	env, err := socks5.ParseUDPEnvelope(datagram)
	if err != nil {
		c.log.Warn("dropping malformed UDP datagram from client", "error", err)
		return
	}

	host := env.Domain
	if host == "" {
		host = env.IP.String()
	}

	// env.Payload aliases c.clientToRemote, the buffer pumpUDP reuses for
	// every inbound datagram; Resolve's callback can fire on a later
	// reactor tick, after another datagram has overwritten it, so a copy
	// must cross the async boundary rather than the aliased slice.
	payload := append([]byte(nil), env.Payload...)

	if err := c.resolver.Resolve(domain.KindUDP, host, env.Port, func(ep domain.Endpoint, err error) {
		if c.stopped {
			c.log.Debug("udp resolve callback fired after session stop", "error", domain.ErrAborted)
			return
		}
		if err != nil {
			c.log.Warn("udp destination resolve failed", "error", domain.Fail(domain.CategoryUDPError, err))
			return
		}
		if err := netutil.SendTo(c.udpFD, payload, ep); err != nil {
			c.log.Warn("udp relay forward failed", "error", domain.Fail(domain.CategoryUDPError, err))
		}
	}); err != nil {
		c.log.Warn("udp destination resolve failed", "error", domain.Fail(domain.CategoryUDPError, err))
	}
}

func (c *core) forwardFromApp(from domain.Endpoint, payload []byte) {
	if c.udpClientEP == nil {
		return
	}
	envelope := socks5.EncodeUDPEnvelope(from, payload)
	if err := netutil.SendTo(c.udpFD, envelope, *c.udpClientEP); err != nil {
		c.log.Warn("udp relay reply failed", "error", domain.Fail(domain.CategoryUDPError, err))
	}
}

func sameEndpoint(a, b domain.Endpoint) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
