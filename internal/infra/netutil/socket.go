// Package netutil builds and operates the raw non-blocking sockets the
// reactor drives. It generalizes the teacher's IPv4-only socket_factory
// to both address families and to TCP connect/UDP send-to in addition to
// listen/bind.
package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/CXDXVR/socks-proxy/internal/domain"
)

// ListenTCP opens a non-blocking, listening TCP socket bound to ip:port.
// The family (AF_INET or AF_INET6) is derived from ip.
func ListenTCP(ip net.IP, port int) (int, error) {
	fd, err := socket(ip, unix.SOCK_STREAM)
	if err != nil {
		return 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := bind(fd, ip, port); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// BindUDP opens a non-blocking UDP socket bound to ip:port (port 0 for a
// kernel-assigned wildcard port, as used by UDP ASSOCIATE).
func BindUDP(ip net.IP, port int) (int, error) {
	fd, err := socket(ip, unix.SOCK_DGRAM)
	if err != nil {
		return 0, err
	}
	if err := bind(fd, ip, port); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// ConnectTCP starts a non-blocking connect to ep. inProgress reports
// whether the caller must wait for EPOLLOUT (EINPROGRESS) before calling
// FinishConnect.
func ConnectTCP(ep domain.Endpoint) (fd int, inProgress bool, err error) {
	fd, err = socket(ep.IP, unix.SOCK_STREAM)
	if err != nil {
		return 0, false, err
	}
	sa, err := sockaddr(ep)
	if err != nil {
		unix.Close(fd)
		return 0, false, err
	}
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return 0, false, err
}

// FinishConnect checks the result of an in-progress non-blocking connect
// once the fd reports writable.
func FinishConnect(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

// Accept accepts one connection on a listening fd and returns the new
// non-blocking fd and the peer's endpoint.
func Accept(fd int) (int, domain.Endpoint, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return 0, domain.Endpoint{}, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return 0, domain.Endpoint{}, err
	}
	return nfd, endpointFromSockaddr(sa), nil
}

// LocalEndpoint returns the locally bound address/port of fd.
func LocalEndpoint(fd int) (domain.Endpoint, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return domain.Endpoint{}, err
	}
	return endpointFromSockaddr(sa), nil
}

// PeerEndpoint returns the remote address/port fd is connected to.
func PeerEndpoint(fd int) (domain.Endpoint, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return domain.Endpoint{}, err
	}
	return endpointFromSockaddr(sa), nil
}

// SendTo writes a UDP datagram to ep on fd.
func SendTo(fd int, payload []byte, ep domain.Endpoint) error {
	sa, err := sockaddr(ep)
	if err != nil {
		return err
	}
	return unix.Sendto(fd, payload, 0, sa)
}

// RecvFrom reads one UDP datagram from fd into buf.
func RecvFrom(fd int, buf []byte) (int, domain.Endpoint, error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, domain.Endpoint{}, err
	}
	return n, endpointFromSockaddr(sa), nil
}

func socket(ip net.IP, typ int) (int, error) {
	family := unix.AF_INET
	if ip != nil && ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, typ, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

func bind(fd int, ip net.IP, port int) error {
	sa, err := sockaddr(domain.Endpoint{IP: ip, Port: uint16(port)})
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

func sockaddr(ep domain.Endpoint) (unix.Sockaddr, error) {
	if ep.IsIPv6() {
		sa := &unix.SockaddrInet6{Port: int(ep.Port)}
		copy(sa.Addr[:], ep.IP.To16())
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: int(ep.Port)}
	v4 := ep.IP.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	copy(sa.Addr[:], v4)
	return sa, nil
}

func endpointFromSockaddr(sa unix.Sockaddr) domain.Endpoint {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:])
		return domain.Endpoint{IP: ip, Port: uint16(a.Port)}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, a.Addr[:])
		return domain.Endpoint{IP: ip, Port: uint16(a.Port)}
	default:
		return domain.ZeroIPv4()
	}
}

// ParseIP parses addr as a literal IPv4 or IPv6 address; it does not
// attempt any DNS resolution.
func ParseIP(addr string) (net.IP, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("netutil: %q is not a literal IP address", addr)
	}
	return ip, nil
}

// MustParseOrZero parses addr as a literal IP, falling back to the
// wildcard IPv4 address when addr is empty or unparsable. It is used
// for the configured listen addresses; config.Load does not validate
// them, so a domain name there also yields the wildcard address.
func MustParseOrZero(addr string) net.IP {
	if ip, err := ParseIP(addr); err == nil {
		return ip
	}
	return net.IPv4zero
}
