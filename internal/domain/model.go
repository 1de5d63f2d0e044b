package domain

import (
	"fmt"
	"net"
)

// Endpoint is the (address, port) pair codecs, the resolver and the relay
// pass around.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// IsIPv6 reports whether the endpoint needs a 16-byte wire encoding.
func (e Endpoint) IsIPv6() bool {
	return e.IP.To4() == nil
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// ZeroIPv4 is the 0.0.0.0:0 endpoint used in failure replies sent before a
// real bound endpoint exists.
func ZeroIPv4() Endpoint {
	return Endpoint{IP: net.IPv4zero, Port: 0}
}

// Kind selects which flavor of endpoint a resolve is for; it changes
// nothing about the lookup, only how the caller treats the result.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

// Variant selects which protocol a session speaks.
type Variant int

const (
	VariantSocks4 Variant = iota
	VariantSocks5
)

func (v Variant) String() string {
	if v == VariantSocks4 {
		return "socks4"
	}
	return "socks5"
}

// InvalidSessionID is the reserved sentinel denoting "no session".
const InvalidSessionID = -1
