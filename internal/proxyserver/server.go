// Package proxyserver is the listener-side glue of spec.md §6: it owns
// the SOCKS4 and SOCKS5 listening sockets, accepts new TCP connections,
// and hands each one to a new session. It generalizes the teacher's
// ProxyService (internal/application/proxy_service.go), which drove a
// single SOCKS5-CONNECT-only listener plus an inline DNS client, into a
// dispatcher over an arbitrary number of listeners, a standalone
// resolver, and both protocol variants.
package proxyserver

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/CXDXVR/socks-proxy/internal/config"
	"github.com/CXDXVR/socks-proxy/internal/domain"
	"github.com/CXDXVR/socks-proxy/internal/infra/netutil"
	"github.com/CXDXVR/socks-proxy/internal/registry"
	"github.com/CXDXVR/socks-proxy/internal/resolve"
	"github.com/CXDXVR/socks-proxy/internal/session"
)

// Server is the single domain.EventHandler registered with the reactor:
// every fd in the process — both listeners, the resolver's query
// socket, and every fd any live session owns — is dispatched through
// here.
type Server struct {
	log  *slog.Logger
	loop domain.EventLoop
	cfg  config.Settings

	registry *registry.Registry
	resolver *resolve.Resolver

	socks4ListenerFD int
	socks5ListenerFD int

	// shutdownR/W is a self-pipe: RequestShutdown (called from the
	// SIGINT/SIGTERM handler goroutine) writes one byte to shutdownW,
	// which wakes the reactor so the actual teardown — touching the
	// registry and fd index — runs on the reactor thread rather than
	// racing it, preserving spec.md §5's single-reactor-thread
	// invariant for all per-session and registry state.
	shutdownR int
	shutdownW int

	fdIndex map[int]domain.EventHandler
}

// New wires the listeners enabled in cfg and the shared resolver. It
// does not start accepting connections; call Run for that.
func New(loop domain.EventLoop, log *slog.Logger, cfg config.Settings) (*Server, error) {
	s := &Server{
		log:              log,
		loop:             loop,
		cfg:              cfg,
		registry:         registry.New(),
		socks4ListenerFD: -1,
		socks5ListenerFD: -1,
		fdIndex:          make(map[int]domain.EventHandler),
	}

	resolver, err := resolve.New()
	if err != nil {
		return nil, fmt.Errorf("proxyserver: create resolver: %w", err)
	}
	s.resolver = resolver

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("proxyserver: create shutdown pipe: %w", err)
	}
	s.shutdownR, s.shutdownW = fds[0], fds[1]

	if cfg.Socks4.Enable {
		fd, err := netutil.ListenTCP(netutil.MustParseOrZero(cfg.Socks4.Address), int(cfg.Socks4.Port))
		if err != nil {
			return nil, fmt.Errorf("proxyserver: listen socks4: %w", err)
		}
		s.socks4ListenerFD = fd
	}
	if cfg.Socks5.Enable {
		fd, err := netutil.ListenTCP(netutil.MustParseOrZero(cfg.Socks5.Address), int(cfg.Socks5.Port))
		if err != nil {
			return nil, fmt.Errorf("proxyserver: listen socks5: %w", err)
		}
		s.socks5ListenerFD = fd
	}

	return s, nil
}

// BindFD implements domain.FDIndex: sessions call this for every fd they
// come to own so the top-level dispatch in HandleEvent can route
// readiness events back to them.
func (s *Server) BindFD(fd int, handler domain.EventHandler) {
	s.fdIndex[fd] = handler
}

// UnbindFD implements domain.FDIndex.
func (s *Server) UnbindFD(fd int) {
	delete(s.fdIndex, fd)
}

// Run registers the listeners and the resolver socket, then drives the
// reactor until Stop is called.
func (s *Server) Run() error {
	if s.socks4ListenerFD >= 0 {
		if err := s.loop.Register(s.socks4ListenerFD, domain.EventRead); err != nil {
			return err
		}
		s.log.Info("socks4 listening", "address", s.cfg.Socks4.Address, "port", s.cfg.Socks4.Port)
	}
	if s.socks5ListenerFD >= 0 {
		if err := s.loop.Register(s.socks5ListenerFD, domain.EventRead); err != nil {
			return err
		}
		s.log.Info("socks5 listening", "address", s.cfg.Socks5.Address, "port", s.cfg.Socks5.Port)
	}
	if err := s.loop.Register(s.resolver.FD(), domain.EventRead); err != nil {
		return err
	}
	if err := s.loop.Register(s.shutdownR, domain.EventRead); err != nil {
		return err
	}

	return s.loop.Run(s)
}

// HandleEvent is the reactor's single entry point. It checks the two
// listeners and the resolver fd first (mirroring the teacher's
// fd == s.listenerFD / fd == s.dnsFD checks), then falls through to the
// fd index any live session has bound its owned fds into.
func (s *Server) HandleEvent(fd int, event domain.EventType) error {
	switch fd {
	case s.socks4ListenerFD:
		s.acceptSocks4()
		return nil
	case s.socks5ListenerFD:
		s.acceptSocks5()
		return nil
	case s.resolver.FD():
		return s.resolver.HandleEvent(fd, event)
	case s.shutdownR:
		s.shutdown()
		return nil
	}

	if h, ok := s.fdIndex[fd]; ok {
		return h.HandleEvent(fd, event)
	}
	return nil
}

func (s *Server) acceptSocks4() {
	fd, peer, err := netutil.Accept(s.socks4ListenerFD)
	if err != nil {
		s.log.Error("socks4 accept failed", "error", err)
		return
	}
	id, ok := s.registry.Acquire()
	if !ok {
		s.log.Error("session registry exhausted")
		unix.Close(fd)
		return
	}
	sess, err := session.NewSocks4(id, fd, s.loop, s, s.resolver, s.registry.Remove, s.log, s.cfg)
	if err != nil {
		s.log.Error("failed to create socks4 session", "error", err)
		return
	}
	s.registry.Insert(id, sess)
	s.log.Info("accepted socks4 client", "session", id, "peer", peer.String())
}

func (s *Server) acceptSocks5() {
	fd, peer, err := netutil.Accept(s.socks5ListenerFD)
	if err != nil {
		s.log.Error("socks5 accept failed", "error", err)
		return
	}
	id, ok := s.registry.Acquire()
	if !ok {
		s.log.Error("session registry exhausted")
		unix.Close(fd)
		return
	}
	sess, err := session.NewSocks5(id, fd, s.loop, s, s.resolver, s.registry.Remove, s.log, s.cfg)
	if err != nil {
		s.log.Error("failed to create socks5 session", "error", err)
		return
	}
	s.registry.Insert(id, sess)
	s.log.Info("accepted socks5 client", "session", id, "peer", peer.String())
}

// RequestShutdown is safe to call from any goroutine (e.g. the
// SIGINT/SIGTERM handler): it only wakes the reactor, which performs the
// actual teardown on its own thread via shutdown below.
func (s *Server) RequestShutdown() {
	_, _ = unix.Write(s.shutdownW, []byte{0})
}

// shutdown tears down every live session and listener, then stops the
// reactor. Only ever called from the reactor thread (via HandleEvent).
func (s *Server) shutdown() {
	s.registry.StopAll()
	if s.socks4ListenerFD >= 0 {
		_ = s.loop.Unregister(s.socks4ListenerFD)
		unix.Close(s.socks4ListenerFD)
	}
	if s.socks5ListenerFD >= 0 {
		_ = s.loop.Unregister(s.socks5ListenerFD)
		unix.Close(s.socks5ListenerFD)
	}
	_ = s.loop.Unregister(s.shutdownR)
	unix.Close(s.shutdownR)
	unix.Close(s.shutdownW)
	s.loop.Stop()
}
