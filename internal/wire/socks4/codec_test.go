package socks4

import (
	"bytes"
	"net"
	"testing"

	"github.com/CXDXVR/socks-proxy/internal/domain"
)

func TestParseRequestLiteralIPv4(t *testing.T) {
	// 04|01|0050|5db8d822|00
	buf := []byte{0x04, 0x01, 0x00, 0x50, 0x5d, 0xb8, 0xd8, 0x22, 0x00}
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Command != CmdConnect {
		t.Fatalf("command = %x", req.Command)
	}
	if req.Port != 0x50 {
		t.Fatalf("port = %d", req.Port)
	}
	if !req.IP.Equal(net.IPv4(0x5d, 0xb8, 0xd8, 0x22)) {
		t.Fatalf("ip = %v", req.IP)
	}
	if req.IsDomain() {
		t.Fatalf("expected literal request, got domain %q", req.Domain)
	}
	if len(req.UserID) != 0 {
		t.Fatalf("expected empty USER-ID, got %q", req.UserID)
	}
}

func TestParseRequestSocks4ADomain(t *testing.T) {
	// 04|01|0050|00000001|7531|00|6578616d706c652e636f6d|00
	var buf bytes.Buffer
	buf.Write([]byte{0x04, 0x01, 0x00, 0x50, 0x00, 0x00, 0x00, 0x01})
	buf.WriteString("u1")
	buf.WriteByte(0x00)
	buf.WriteString("example.com")
	buf.WriteByte(0x00)

	req, err := ParseRequest(buf.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.IsDomain() || req.Domain != "example.com" {
		t.Fatalf("domain = %q", req.Domain)
	}
	if string(req.UserID) != "u1" {
		t.Fatalf("user id = %q", req.UserID)
	}
	if req.Port != 0x50 {
		t.Fatalf("port = %d", req.Port)
	}
}

func TestParseRequestRejectsBadVersion(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x50, 0x7f, 0x00, 0x00, 0x01, 0x00}
	if _, err := ParseRequest(buf); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestParseRequestRejectsUnterminatedUserID(t *testing.T) {
	buf := []byte{0x04, 0x01, 0x00, 0x50, 0x7f, 0x00, 0x00, 0x01, 'x'}
	if _, err := ParseRequest(buf); err != ErrUnterminated {
		t.Fatalf("expected ErrUnterminated, got %v", err)
	}
}

func TestEncodeReplyGranted(t *testing.T) {
	ep := domain.Endpoint{IP: net.IPv4(93, 184, 216, 34), Port: 80}
	out := EncodeReply(RespGranted, ep)
	want := []byte{0x00, RespGranted, 0x00, 0x50, 93, 184, 216, 34}
	if !bytes.Equal(out, want) {
		t.Fatalf("encode = % x, want % x", out, want)
	}
}

func TestEncodeReplyZeroEndpointOnFailure(t *testing.T) {
	out := EncodeReply(RespConnectionFailed, domain.ZeroIPv4())
	want := []byte{0x00, RespConnectionFailed, 0x00, 0x00, 0, 0, 0, 0}
	if !bytes.Equal(out, want) {
		t.Fatalf("encode = % x, want % x", out, want)
	}
}
