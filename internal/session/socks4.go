package session

import (
	"bytes"
	"log/slog"

	"github.com/CXDXVR/socks-proxy/internal/config"
	"github.com/CXDXVR/socks-proxy/internal/domain"
	"github.com/CXDXVR/socks-proxy/internal/infra/netutil"
	"github.com/CXDXVR/socks-proxy/internal/wire/socks4"
	"golang.org/x/sys/unix"
)

type socks4State int

const (
	socks4Handshake socks4State = iota
	socks4Connecting
	socks4Binding
	socks4Relaying
)

// Socks4 drives one SOCKS4/4A session end to end: handshake, per-command
// policy check, resolve/connect/bind, reply, then relay. It generalizes
// the teacher's inline CONNECT-only flow (handshakeRequest/
// startTCPConnect/finalizeConnect/pipeData in proxy_service.go) to both
// SOCKS4 commands and the 4A domain-name extension.
type Socks4 struct {
	*core
	state socks4State
	req   socks4.Request
}

// NewSocks4 creates a session in the Handshake state, watching clientFD
// for the initial request.
func NewSocks4(id int, clientFD int, loop domain.EventLoop, fds domain.FDIndex, resolver domain.Resolver, remove func(int), log *slog.Logger, cfg config.Settings) (*Socks4, error) {
	s := &Socks4{core: newCore(id, domain.VariantSocks4, clientFD, loop, fds, resolver, remove, log, cfg), state: socks4Handshake}
	if err := s.bind(clientFD, domain.EventRead, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Socks4) HandleEvent(fd int, event domain.EventType) error {
	if s.stopped {
		return nil
	}
	switch s.state {
	case socks4Handshake:
		if fd == s.clientFD && event&domain.EventRead != 0 {
			s.handleHandshake()
		}
	case socks4Connecting:
		if fd == s.remoteFD && event&domain.EventWrite != 0 {
			s.finalizeConnect()
		}
	case socks4Binding:
		if fd == s.listenerFD && event&domain.EventRead != 0 {
			s.handleAccept()
		}
	case socks4Relaying:
		if se := s.pumpTCP(fd); se != nil {
			s.endRelay(se)
		}
	}
	return nil
}

func (s *Socks4) handleHandshake() {
	buf := make([]byte, tcpBufferSize)
	n, err := unix.Read(s.clientFD, buf)
	if err != nil || n == 0 {
		s.terminate(domain.CategoryProtocolViolation, err, slog.LevelError)
		return
	}

	req, err := socks4.ParseRequest(buf[:n])
	if err != nil {
		// SOCKS4 handshake failures terminate without a reply (spec.md §7.1).
		s.terminate(domain.CategoryProtocolViolation, err, slog.LevelError)
		return
	}
	s.req = req

	if s.cfg.Socks4.UserID != "" && !bytes.Equal(req.UserID, []byte(s.cfg.Socks4.UserID)) {
		s.replyAndTerminate(socks4.RespClientConflict, domain.ZeroIPv4(), domain.CategoryPolicyDenial, nil)
		return
	}

	switch req.Command {
	case socks4.CmdConnect:
		if !s.cfg.Socks4.EnableConnect {
			s.replyAndTerminate(socks4.RespRejected, domain.ZeroIPv4(), domain.CategoryPolicyDenial, nil)
			return
		}
		s.dispatchConnect()
	case socks4.CmdBind:
		if !s.cfg.Socks4.EnableBind {
			s.replyAndTerminate(socks4.RespRejected, domain.ZeroIPv4(), domain.CategoryPolicyDenial, nil)
			return
		}
		s.dispatchBind()
	default:
		s.terminate(domain.CategoryProtocolViolation, socks4.ErrBadCommand, slog.LevelError)
	}
}

func (s *Socks4) replyAndTerminate(status byte, ep domain.Endpoint, cat domain.Category, err error) {
	if werr := writeFull(s.clientFD, socks4.EncodeReply(status, ep)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}
	s.terminate(cat, err, slog.LevelError)
}

func (s *Socks4) dispatchConnect() {
	host, port := s.req.IP.String(), s.req.Port
	if s.req.IsDomain() {
		host = s.req.Domain
	}
	if err := s.resolver.Resolve(domain.KindTCP, host, port, s.onConnectResolved); err != nil {
		s.replyAndTerminate(socks4.RespConnectionFailed, domain.ZeroIPv4(), domain.CategoryResolveFailure, err)
	}
}

func (s *Socks4) onConnectResolved(ep domain.Endpoint, err error) {
	if s.stopped {
		// The client fd was already closed out from under this pending
		// resolve; nothing left to reply to.
		s.log.Debug("resolve callback fired after session stop", "error", domain.ErrAborted)
		return
	}
	if err != nil {
		s.replyAndTerminate(socks4.RespConnectionFailed, domain.ZeroIPv4(), domain.CategoryResolveFailure, err)
		return
	}

	fd, inProgress, err := netutil.ConnectTCP(ep)
	if err != nil {
		s.replyAndTerminate(socks4.RespConnectionFailed, domain.ZeroIPv4(), domain.CategoryConnectFailure, err)
		return
	}
	s.remoteFD = fd
	if err := s.bind(fd, domain.EventWrite, s); err != nil {
		s.replyAndTerminate(socks4.RespConnectionFailed, domain.ZeroIPv4(), domain.CategoryConnectFailure, err)
		return
	}
	s.state = socks4Connecting
	if !inProgress {
		s.finalizeConnect()
	}
}

func (s *Socks4) finalizeConnect() {
	if err := netutil.FinishConnect(s.remoteFD); err != nil {
		s.replyAndTerminate(socks4.RespConnectionFailed, domain.ZeroIPv4(), domain.CategoryConnectFailure, err)
		return
	}
	remoteEP, err := netutil.PeerEndpoint(s.remoteFD)
	if err != nil {
		remoteEP = domain.ZeroIPv4()
	}
	if werr := writeFull(s.clientFD, socks4.EncodeReply(socks4.RespGranted, remoteEP)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}
	if err := s.startTCPRelay(); err != nil {
		s.terminate(domain.CategoryTransportError, err, slog.LevelError)
		return
	}
	s.state = socks4Relaying
}

func (s *Socks4) dispatchBind() {
	fd, err := netutil.ListenTCP(netutil.MustParseOrZero(s.cfg.Socks4.Address), 0)
	if err != nil {
		s.replyAndTerminate(socks4.RespRejected, domain.ZeroIPv4(), domain.CategoryAcceptFailure, err)
		return
	}
	s.listenerFD = fd

	local, err := netutil.LocalEndpoint(fd)
	if err != nil {
		local = domain.ZeroIPv4()
	}
	if werr := writeFull(s.clientFD, socks4.EncodeReply(socks4.RespGranted, local)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}

	if err := s.bind(fd, domain.EventRead, s); err != nil {
		s.replyAndTerminate(socks4.RespRejected, domain.ZeroIPv4(), domain.CategoryAcceptFailure, err)
		return
	}
	s.state = socks4Binding
}

func (s *Socks4) handleAccept() {
	fd, peer, err := netutil.Accept(s.listenerFD)
	if err != nil {
		s.replyAndTerminate(socks4.RespConnectionFailed, domain.ZeroIPv4(), domain.CategoryAcceptFailure, err)
		return
	}
	s.closeFD(s.listenerFD)
	s.listenerFD = -1
	s.remoteFD = fd

	if werr := writeFull(s.clientFD, socks4.EncodeReply(socks4.RespGranted, peer)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}
	if err := s.bind(fd, domain.EventRead, s); err != nil {
		s.terminate(domain.CategoryAcceptFailure, err, slog.LevelError)
		return
	}
	if err := s.startTCPRelay(); err != nil {
		s.terminate(domain.CategoryTransportError, err, slog.LevelError)
		return
	}
	s.state = socks4Relaying
}
