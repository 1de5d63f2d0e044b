// Package session implements the per-connection protocol state machines
// of spec.md §4.4 (SOCKS4 and SOCKS5) and the shared relay primitive of
// §4.5. It generalizes the teacher's ProxyService.HandleEvent
// state-dispatch (internal/application/proxy_service.go) — there, one
// inline switch over a single State enum driving SOCKS5 CONNECT only —
// into two sibling state machines sharing a common core and relay.
package session

import (
	"context"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/CXDXVR/socks-proxy/internal/config"
	"github.com/CXDXVR/socks-proxy/internal/domain"
)

// tcpBufferSize is the session buffer size while in any TCP phase
// (spec.md §3's Session invariant).
const tcpBufferSize = 4096

// udpBufferSize is the size the session's UDP-direction buffer grows to
// only upon entering UDP relay (spec.md §3's Session invariant).
const udpBufferSize = 65535

// core holds every attribute spec.md §3 lists as common to a Session,
// regardless of protocol variant: identifiers, owned sockets, the
// relay buffers (one per direction, per spec.md §9's buffer-aliasing
// fix), the relay-started flag and the registry back-reference.
type core struct {
	id      int
	variant domain.Variant

	clientFD   int
	remoteFD   int // -1 until CONNECT dials out
	listenerFD int // -1 unless BIND is in flight
	udpFD      int // -1 unless UDP ASSOCIATE is active

	// clientToRemote and remoteToClient are the two independent relay
	// buffers; never shared across directions (spec.md §9).
	clientToRemote []byte
	remoteToClient []byte

	relayStarted bool
	stopped      bool

	// udpClientEP is nil until the first datagram's sender fixes it;
	// udpAppEP is the most recent application-side sender.
	udpClientEP *domain.Endpoint
	udpAppEP    domain.Endpoint

	loop     domain.EventLoop
	fds      domain.FDIndex
	resolver domain.Resolver
	remove   func(id int)
	log      *slog.Logger
	cfg      config.Settings
}

func newCore(id int, variant domain.Variant, clientFD int, loop domain.EventLoop, fds domain.FDIndex, resolver domain.Resolver, remove func(int), log *slog.Logger, cfg config.Settings) *core {
	return &core{
		id:         id,
		variant:    variant,
		clientFD:   clientFD,
		remoteFD:   -1,
		listenerFD: -1,
		udpFD:      -1,
		loop:       loop,
		fds:        fds,
		resolver:   resolver,
		remove:     remove,
		log:        log.With("session", id, "variant", variant.String()),
		cfg:        cfg,
	}
}

// bind registers fd with both the reactor and the fd index so future
// readiness events reach handler (the owning session).
func (c *core) bind(fd int, events domain.EventType, handler domain.EventHandler) error {
	c.fds.BindFD(fd, handler)
	if err := c.loop.Register(fd, events); err != nil {
		c.fds.UnbindFD(fd)
		return err
	}
	return nil
}

func (c *core) modify(fd int, events domain.EventType) error {
	return c.loop.Modify(fd, events)
}

// terminate closes every socket the session owns, unregisters them from
// the reactor and fd index, and asks the registry to remove the
// session. It is idempotent: once a session has terminated it never
// issues new I/O (spec.md §3's Session invariant), and repeated calls
// (e.g. a late callback racing an explicit Stop) are no-ops.
func (c *core) terminate(cat domain.Category, err error, logLevel slog.Level) {
	if c.stopped {
		return
	}
	c.stopped = true

	if err != nil {
		c.log.Log(context.Background(), logLevel, "session terminated", "category", cat.String(), "error", err)
	} else {
		c.log.Log(context.Background(), logLevel, "session terminated", "category", cat.String())
	}

	c.closeFD(c.clientFD)
	c.closeFD(c.remoteFD)
	c.closeFD(c.listenerFD)
	c.closeFD(c.udpFD)

	if c.remove != nil {
		c.remove(c.id)
	}
}

func (c *core) closeFD(fd int) {
	if fd < 0 {
		return
	}
	c.fds.UnbindFD(fd)
	_ = c.loop.Unregister(fd)
	_ = unix.Close(fd)
}

// Stop is the external termination entry point the registry calls: it
// has the same effect as an internally detected unrecoverable error, and
// is logged at info level under the transport_error category with no
// underlying error.
func (c *core) Stop() {
	c.terminate(domain.CategoryTransportError, nil, slog.LevelInfo)
}

// writeFull writes buf to fd to completion. Control messages (auth
// replies, command replies) are a few bytes and a non-blocking socket's
// send buffer is effectively always large enough to accept them in one
// call; on the rare EAGAIN this retries immediately rather than
// threading a write-readiness sub-state-machine through every reply
// path, matching the teacher's own direct, unchecked unix.Write calls.
func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}
