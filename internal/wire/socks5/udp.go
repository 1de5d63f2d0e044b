package socks5

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/CXDXVR/socks-proxy/internal/domain"
)

var (
	ErrFragmented        = errors.New("socks5: fragmented UDP datagrams are not supported")
	ErrEnvelopeTruncated = errors.New("socks5: UDP envelope truncated")
)

// UDPEnvelope is a parsed client->proxy datagram. Wire order (spec.md
// §9(d)) is reserved(2) | frag(1) | atyp(1) | addr(n) | port(2) | payload.
type UDPEnvelope struct {
	IP      net.IP
	Domain  string
	Port    uint16
	ATYP    byte
	Payload []byte
}

// ParseUDPEnvelope decodes buf into its header and payload. A non-zero
// fragment byte is reported via ErrFragmented so callers can drop the
// datagram silently, per RFC 1928 §7.
func ParseUDPEnvelope(buf []byte) (UDPEnvelope, error) {
	if len(buf) < 4 {
		return UDPEnvelope{}, ErrEnvelopeTruncated
	}
	frag := buf[2]
	atyp := buf[3]
	rest := buf[4:]

	env := UDPEnvelope{ATYP: atyp}
	switch atyp {
	case ATYPIPv4:
		if len(rest) < 4+2 {
			return UDPEnvelope{}, ErrEnvelopeTruncated
		}
		env.IP = net.IP(append([]byte(nil), rest[:4]...))
		env.Port = binary.BigEndian.Uint16(rest[4:6])
		env.Payload = rest[6:]
	case ATYPIPv6:
		if len(rest) < 16+2 {
			return UDPEnvelope{}, ErrEnvelopeTruncated
		}
		env.IP = net.IP(append([]byte(nil), rest[:16]...))
		env.Port = binary.BigEndian.Uint16(rest[16:18])
		env.Payload = rest[18:]
	case ATYPDomain:
		if len(rest) < 1 {
			return UDPEnvelope{}, ErrEnvelopeTruncated
		}
		n := int(rest[0])
		if len(rest) < 1+n+2 {
			return UDPEnvelope{}, ErrEnvelopeTruncated
		}
		env.Domain = string(rest[1 : 1+n])
		env.Port = binary.BigEndian.Uint16(rest[1+n : 1+n+2])
		env.Payload = rest[1+n+2:]
	default:
		return UDPEnvelope{}, ErrBadAddressType
	}

	if frag != 0 {
		return env, ErrFragmented
	}
	return env, nil
}

// EncodeUDPEnvelope serializes a proxy->client datagram carrying a
// payload received from ep, with fragment always 0.
func EncodeUDPEnvelope(ep domain.Endpoint, payload []byte) []byte {
	var atyp byte
	var addr []byte
	if ep.IsIPv6() {
		atyp = ATYPIPv6
		addr = ep.IP.To16()
	} else {
		atyp = ATYPIPv4
		v4 := ep.IP.To4()
		if v4 == nil {
			v4 = net.IPv4zero.To4()
		}
		addr = v4
	}

	out := make([]byte, 4+len(addr)+2+len(payload))
	out[0], out[1] = 0x00, 0x00 // reserved
	out[2] = 0x00               // fragment
	out[3] = atyp
	copy(out[4:], addr)
	binary.BigEndian.PutUint16(out[4+len(addr):], ep.Port)
	copy(out[4+len(addr)+2:], payload)
	return out
}
