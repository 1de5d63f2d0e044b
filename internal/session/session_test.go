package session

import (
	"net"
	"testing"

	"github.com/CXDXVR/socks-proxy/internal/config"
	"github.com/CXDXVR/socks-proxy/internal/domain"
	"github.com/CXDXVR/socks-proxy/internal/wire/socks5"
	"golang.org/x/sys/unix"
)

func TestRequiredMethodPicksPasswordOnlyWhenBothConfigured(t *testing.T) {
	s := &Socks5{core: &core{cfg: config.Settings{Socks5: config.Socks5Settings{Username: "alice", Password: "s3cr3t"}}}}
	if got := s.requiredMethod(); got != socks5.MethodUserPassword {
		t.Fatalf("requiredMethod = %x, want MethodUserPassword", got)
	}

	s2 := &Socks5{core: &core{cfg: config.Settings{}}}
	if got := s2.requiredMethod(); got != socks5.MethodNoAuth {
		t.Fatalf("requiredMethod = %x, want MethodNoAuth", got)
	}

	s3 := &Socks5{core: &core{cfg: config.Settings{Socks5: config.Socks5Settings{Username: "alice"}}}}
	if got := s3.requiredMethod(); got != socks5.MethodNoAuth {
		t.Fatalf("requiredMethod = %x, want MethodNoAuth when password unset", got)
	}
}

func TestContainsByte(t *testing.T) {
	if !containsByte([]byte{0x00, 0x02}, 0x02) {
		t.Fatal("expected to find 0x02")
	}
	if containsByte([]byte{0x00}, 0x02) {
		t.Fatal("did not expect to find 0x02")
	}
}

func TestSameEndpoint(t *testing.T) {
	a := domain.Endpoint{IP: net.IPv4(1, 2, 3, 4), Port: 53}
	b := domain.Endpoint{IP: net.IPv4(1, 2, 3, 4), Port: 53}
	c := domain.Endpoint{IP: net.IPv4(1, 2, 3, 5), Port: 53}
	if !sameEndpoint(a, b) {
		t.Fatal("expected equal endpoints to compare equal")
	}
	if sameEndpoint(a, c) {
		t.Fatal("did not expect different IPs to compare equal")
	}
}

func TestWriteFullOverSocketpair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := make([]byte, 128*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		done <- writeFull(fds[0], payload)
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for len(got) < len(payload) {
		n, err := unix.Read(fds[1], buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if err := <-done; err != nil {
		t.Fatalf("writeFull: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, got[i], payload[i])
		}
	}
}
