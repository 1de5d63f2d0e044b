package socks5

import (
	"bytes"
	"net"
	"testing"

	"github.com/CXDXVR/socks-proxy/internal/domain"
)

func TestParseAuthOffer(t *testing.T) {
	methods, err := ParseAuthOffer([]byte{0x05, 0x02, 0x00, 0x02})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(methods, []byte{0x00, 0x02}) {
		t.Fatalf("methods = % x", methods)
	}
}

func TestParseAuthOfferRejectsZeroMethods(t *testing.T) {
	if _, err := ParseAuthOffer([]byte{0x05, 0x00}); err != ErrNoMethods {
		t.Fatalf("expected ErrNoMethods, got %v", err)
	}
}

func TestParseUserPasswordStrict(t *testing.T) {
	// 01|05|616c696365|06|733363723374  (alice / s3cr3t)
	buf := []byte{0x01, 0x05, 'a', 'l', 'i', 'c', 'e', 0x06, 's', '3', 'c', 'r', '3', 't'}
	up, err := ParseUserPassword(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.Username != "alice" || up.Password != "s3cr3t" {
		t.Fatalf("got %+v", up)
	}
}

func TestParseUserPasswordRejectsTruncated(t *testing.T) {
	buf := []byte{0x01, 0x05, 'a', 'l', 'i'}
	if _, err := ParseUserPassword(buf); err != ErrAuthTruncated {
		t.Fatalf("expected ErrAuthTruncated, got %v", err)
	}
}

func TestParseRequestIPv4(t *testing.T) {
	// 05|01|00|01|0a000001|0016
	buf := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x16}
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Command != CmdConnect || req.Port != 22 {
		t.Fatalf("got %+v", req)
	}
	if !req.IP.Equal(net.IPv4(10, 0, 0, 1)) {
		t.Fatalf("ip = %v", req.IP)
	}
}

func TestParseRequestDomain(t *testing.T) {
	buf := append([]byte{0x05, 0x01, 0x00, 0x03, 11}, []byte("example.com")...)
	buf = append(buf, 0x00, 0x50)
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Domain != "example.com" || req.Port != 80 {
		t.Fatalf("got %+v", req)
	}
}

func TestEncodeReplyATYPFollowsFamily(t *testing.T) {
	out := EncodeReply(RepSuccess, domain.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1080})
	if out[3] != ATYPIPv4 {
		t.Fatalf("atyp = %x, want IPv4", out[3])
	}
	if len(out) != HeaderLen+4+2 {
		t.Fatalf("len = %d", len(out))
	}

	v6 := net.ParseIP("2001:db8::1")
	out = EncodeReply(RepSuccess, domain.Endpoint{IP: v6, Port: 1080})
	if out[3] != ATYPIPv6 {
		t.Fatalf("atyp = %x, want IPv6", out[3])
	}
	if len(out) != HeaderLen+16+2 {
		t.Fatalf("len = %d", len(out))
	}
}

func TestUDPEnvelopeRoundTrip(t *testing.T) {
	ep := domain.Endpoint{IP: net.IPv4(1, 2, 3, 4), Port: 53}
	payload := []byte("hello")
	wire := EncodeUDPEnvelope(ep, payload)

	env, err := ParseUDPEnvelope(wire)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.IP.Equal(ep.IP) || env.Port != ep.Port {
		t.Fatalf("got endpoint %v:%d", env.IP, env.Port)
	}
	if !bytes.Equal(env.Payload, payload) {
		t.Fatalf("payload = %q", env.Payload)
	}
}

func TestUDPEnvelopeDropsFragmented(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x01, ATYPIPv4, 1, 2, 3, 4, 0x00, 0x35, 'x'}
	if _, err := ParseUDPEnvelope(buf); err != ErrFragmented {
		t.Fatalf("expected ErrFragmented, got %v", err)
	}
}
