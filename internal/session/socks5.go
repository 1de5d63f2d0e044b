package session

import (
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"github.com/CXDXVR/socks-proxy/internal/config"
	"github.com/CXDXVR/socks-proxy/internal/domain"
	"github.com/CXDXVR/socks-proxy/internal/infra/netutil"
	"github.com/CXDXVR/socks-proxy/internal/wire/socks5"
)

type socks5State int

const (
	socks5Handshake socks5State = iota
	socks5Authenticating
	socks5AwaitCommand
	socks5Connecting
	socks5Binding
	socks5UDPAssoc
	socks5Relaying
)

// Socks5 drives one SOCKS5 session: method negotiation, the chosen
// authentication sub-negotiation, the command request, then
// resolve/connect/bind/udp-associate, the reply, and finally relay.
// It generalizes the same teacher state-dispatch Socks4 does, to the
// three-command, two-auth-method protocol.
type Socks5 struct {
	*core
	state  socks5State
	method byte
	req    socks5.Request
}

// NewSocks5 creates a session in the Handshake state, watching clientFD
// for the method-offer message.
func NewSocks5(id int, clientFD int, loop domain.EventLoop, fds domain.FDIndex, resolver domain.Resolver, remove func(int), log *slog.Logger, cfg config.Settings) (*Socks5, error) {
	s := &Socks5{core: newCore(id, domain.VariantSocks5, clientFD, loop, fds, resolver, remove, log, cfg), state: socks5Handshake}
	if err := s.bind(clientFD, domain.EventRead, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Socks5) HandleEvent(fd int, event domain.EventType) error {
	if s.stopped {
		return nil
	}
	switch s.state {
	case socks5Handshake:
		if fd == s.clientFD && event&domain.EventRead != 0 {
			s.handleMethodOffer()
		}
	case socks5Authenticating:
		if fd == s.clientFD && event&domain.EventRead != 0 {
			s.handleUserPassword()
		}
	case socks5AwaitCommand:
		if fd == s.clientFD && event&domain.EventRead != 0 {
			s.handleCommand()
		}
	case socks5Connecting:
		if fd == s.remoteFD && event&domain.EventWrite != 0 {
			s.finalizeConnect()
		}
	case socks5Binding:
		if fd == s.listenerFD && event&domain.EventRead != 0 {
			s.handleAccept()
		}
	case socks5UDPAssoc:
		switch fd {
		case s.udpFD:
			if event&domain.EventRead != 0 {
				s.pumpUDP()
			}
		case s.clientFD:
			if event&domain.EventRead != 0 {
				s.handleWaitCloseTCP()
			}
		}
	case socks5Relaying:
		if se := s.pumpTCP(fd); se != nil {
			s.endRelay(se)
		}
	}
	return nil
}

func (s *Socks5) replyAndTerminate(status byte, ep domain.Endpoint, cat domain.Category, err error) {
	if werr := writeFull(s.clientFD, socks5.EncodeReply(status, ep)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}
	s.terminate(cat, err, slog.LevelError)
}

func (s *Socks5) handleMethodOffer() {
	buf := make([]byte, tcpBufferSize)
	n, err := unix.Read(s.clientFD, buf)
	if err != nil || n == 0 {
		s.terminate(domain.CategoryProtocolViolation, err, slog.LevelError)
		return
	}

	offered, err := socks5.ParseAuthOffer(buf[:n])
	if err != nil {
		s.terminate(domain.CategoryProtocolViolation, err, slog.LevelError)
		return
	}

	required := s.requiredMethod()
	if !containsByte(offered, required) {
		// spec.md §9(a): preserve RFC-conformant behavior (the source
		// closes silently; we write 05|FF first).
		_ = writeFull(s.clientFD, socks5.EncodeAuthSelection(socks5.MethodNoAcceptable))
		s.terminate(domain.CategoryPolicyDenial, nil, slog.LevelError)
		return
	}

	if werr := writeFull(s.clientFD, socks5.EncodeAuthSelection(required)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}

	s.method = required
	if required == socks5.MethodUserPassword {
		s.state = socks5Authenticating
		return
	}
	s.state = socks5AwaitCommand
}

// requiredMethod implements spec.md §4.4's tie-break: user/password is
// accepted only when both a username and a password are configured;
// otherwise only none is accepted.
func (s *Socks5) requiredMethod() byte {
	if s.cfg.Socks5.Username != "" && s.cfg.Socks5.Password != "" {
		return socks5.MethodUserPassword
	}
	return socks5.MethodNoAuth
}

func containsByte(hay []byte, b byte) bool {
	for _, x := range hay {
		if x == b {
			return true
		}
	}
	return false
}

func (s *Socks5) handleUserPassword() {
	buf := make([]byte, 513)
	n, err := unix.Read(s.clientFD, buf)
	if err != nil || n == 0 {
		s.terminate(domain.CategoryProtocolViolation, err, slog.LevelError)
		return
	}

	up, err := socks5.ParseUserPassword(buf[:n])
	if err != nil {
		_ = writeFull(s.clientFD, socks5.EncodeUserPasswordReply(false))
		s.terminate(domain.CategoryProtocolViolation, err, slog.LevelError)
		return
	}

	ok := up.Username == s.cfg.Socks5.Username && up.Password == s.cfg.Socks5.Password
	if werr := writeFull(s.clientFD, socks5.EncodeUserPasswordReply(ok)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}
	if !ok {
		s.terminate(domain.CategoryPolicyDenial, nil, slog.LevelError)
		return
	}
	s.state = socks5AwaitCommand
}

func (s *Socks5) handleCommand() {
	buf := make([]byte, tcpBufferSize)
	n, err := unix.Read(s.clientFD, buf)
	if err != nil || n == 0 {
		s.terminate(domain.CategoryProtocolViolation, err, slog.LevelError)
		return
	}

	req, err := socks5.ParseRequest(buf[:n])
	if err != nil {
		s.replyAndTerminate(socks5.RepCmdNotSupported, domain.ZeroIPv4(), domain.CategoryProtocolViolation, err)
		return
	}
	s.req = req

	switch req.Command {
	case socks5.CmdConnect:
		if !s.cfg.Socks5.EnableConnect {
			s.replyAndTerminate(socks5.RepConnNotAllowed, domain.ZeroIPv4(), domain.CategoryPolicyDenial, nil)
			return
		}
		s.dispatchConnect()
	case socks5.CmdBind:
		if !s.cfg.Socks5.EnableBind {
			s.replyAndTerminate(socks5.RepConnNotAllowed, domain.ZeroIPv4(), domain.CategoryPolicyDenial, nil)
			return
		}
		s.dispatchBind()
	case socks5.CmdUDPAssociate:
		if !s.cfg.Socks5.EnableUDP {
			s.replyAndTerminate(socks5.RepConnNotAllowed, domain.ZeroIPv4(), domain.CategoryPolicyDenial, nil)
			return
		}
		s.dispatchUDPAssociate()
	default:
		s.replyAndTerminate(socks5.RepCmdNotSupported, domain.ZeroIPv4(), domain.CategoryProtocolViolation, nil)
	}
}

func (s *Socks5) dispatchConnect() {
	host := s.req.Domain
	if host == "" {
		host = s.req.IP.String()
	}
	if err := s.resolver.Resolve(domain.KindTCP, host, s.req.Port, s.onConnectResolved); err != nil {
		s.replyAndTerminate(socks5.RepHostUnreachable, domain.ZeroIPv4(), domain.CategoryResolveFailure, err)
	}
}

func (s *Socks5) onConnectResolved(ep domain.Endpoint, err error) {
	if s.stopped {
		// The client fd was already closed out from under this pending
		// resolve; nothing left to reply to.
		s.log.Debug("resolve callback fired after session stop", "error", domain.ErrAborted)
		return
	}
	if err != nil {
		s.replyAndTerminate(socks5.RepHostUnreachable, domain.ZeroIPv4(), domain.CategoryResolveFailure, err)
		return
	}

	fd, inProgress, err := netutil.ConnectTCP(ep)
	if err != nil {
		s.replyAndTerminate(socks5.RepNetworkUnreachable, domain.ZeroIPv4(), domain.CategoryConnectFailure, err)
		return
	}
	s.remoteFD = fd
	if err := s.bind(fd, domain.EventWrite, s); err != nil {
		s.replyAndTerminate(socks5.RepNetworkUnreachable, domain.ZeroIPv4(), domain.CategoryConnectFailure, err)
		return
	}
	s.state = socks5Connecting
	if !inProgress {
		s.finalizeConnect()
	}
}

func (s *Socks5) finalizeConnect() {
	if err := netutil.FinishConnect(s.remoteFD); err != nil {
		s.replyAndTerminate(socks5.RepNetworkUnreachable, domain.ZeroIPv4(), domain.CategoryConnectFailure, err)
		return
	}
	remoteEP, err := netutil.PeerEndpoint(s.remoteFD)
	if err != nil {
		remoteEP = domain.ZeroIPv4()
	}
	if werr := writeFull(s.clientFD, socks5.EncodeReply(socks5.RepSuccess, remoteEP)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}
	if err := s.startTCPRelay(); err != nil {
		s.terminate(domain.CategoryTransportError, err, slog.LevelError)
		return
	}
	s.state = socks5Relaying
}

func (s *Socks5) bindFamily() net.IP {
	if s.req.ATYP == socks5.ATYPIPv6 {
		return net.IPv6zero
	}
	return net.IPv4zero
}

func (s *Socks5) dispatchBind() {
	fd, err := netutil.ListenTCP(s.bindFamily(), 0)
	if err != nil {
		s.replyAndTerminate(socks5.RepHostUnreachable, domain.ZeroIPv4(), domain.CategoryAcceptFailure, err)
		return
	}
	s.listenerFD = fd

	local, err := netutil.LocalEndpoint(fd)
	if err != nil {
		local = domain.ZeroIPv4()
	}
	if werr := writeFull(s.clientFD, socks5.EncodeReply(socks5.RepSuccess, local)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}

	if err := s.bind(fd, domain.EventRead, s); err != nil {
		s.replyAndTerminate(socks5.RepGeneralFailure, domain.ZeroIPv4(), domain.CategoryAcceptFailure, err)
		return
	}
	s.state = socks5Binding
}

func (s *Socks5) handleAccept() {
	fd, peer, err := netutil.Accept(s.listenerFD)
	if err != nil {
		s.replyAndTerminate(socks5.RepGeneralFailure, domain.ZeroIPv4(), domain.CategoryAcceptFailure, err)
		return
	}
	s.closeFD(s.listenerFD)
	s.listenerFD = -1
	s.remoteFD = fd

	if werr := writeFull(s.clientFD, socks5.EncodeReply(socks5.RepSuccess, peer)); werr != nil {
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
	s.state = socks5Relaying
}

func (s *Socks5) dispatchUDPAssociate() {
	fd, err := netutil.BindUDP(s.bindFamily(), 0)
	if err != nil {
		s.replyAndTerminate(socks5.RepHostUnreachable, domain.ZeroIPv4(), domain.CategoryAcceptFailure, err)
		return
	}
	s.udpFD = fd

	local, err := netutil.LocalEndpoint(fd)
	if err != nil {
		local = domain.ZeroIPv4()
	}
	if werr := writeFull(s.clientFD, socks5.EncodeReply(socks5.RepSuccess, local)); werr != nil {
		s.terminate(domain.CategoryWriteReplyFailure, werr, slog.LevelError)
		return
	}

	// Arm the close-watcher before any UDP datagram is serviced
	// (spec.md §5's ordering guarantee for UDP ASSOCIATE).
	if err := s.modify(s.clientFD, domain.EventRead); err != nil {
		s.terminate(domain.CategoryAcceptFailure, err, slog.LevelError)
		return
	}
	if err := s.bind(fd, domain.EventRead, s); err != nil {
		s.terminate(domain.CategoryAcceptFailure, err, slog.LevelError)
		return
	}
	if err := s.startUDPRelay(); err != nil {
		s.terminate(domain.CategoryTransportError, err, slog.LevelError)
		return
	}
	s.state = socks5UDPAssoc
}

// handleWaitCloseTCP is the perpetually-posted 1-byte read on the client
// TCP socket (spec.md §4.5): its only purpose is to detect closure so
// the UDP association can be torn down. A real read of application
// bytes (which SOCKS5 clients should not send here) is simply
// discarded; only EOF/error ends the association.
func (s *Socks5) handleWaitCloseTCP() {
	buf := make([]byte, 1)
	n, err := unix.Read(s.clientFD, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.terminate(domain.CategoryPeerEOF, err, slog.LevelInfo)
		return
	}
	if n == 0 {
		s.terminate(domain.CategoryPeerEOF, nil, slog.LevelInfo)
	}
}
