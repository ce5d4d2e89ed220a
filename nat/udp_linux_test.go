//go:build linux

package nat

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSockaddrToUDPAddrIPv4(t *testing.T) {
	sa := &unix.SockaddrInet4{Port: 443, Addr: [4]byte{93, 184, 216, 34}}
	got := sockaddrToUDPAddr(sa)
	if got == nil {
		t.Fatal("expected a non-nil UDPAddr")
	}
	if got.Port != 443 || !got.IP.Equal(net.IPv4(93, 184, 216, 34)) {
		t.Errorf("got %v, want 93.184.216.34:443", got)
	}
}

func TestSockaddrToUDPAddrIPv6(t *testing.T) {
	addr := net.ParseIP("2001:db8::1")
	var raw [16]byte
	copy(raw[:], addr.To16())
	sa := &unix.SockaddrInet6{Port: 53, Addr: raw}
	got := sockaddrToUDPAddr(sa)
	if got == nil {
		t.Fatal("expected a non-nil UDPAddr")
	}
	if got.Port != 53 || !got.IP.Equal(addr) {
		t.Errorf("got %v, want %s:53", got, addr)
	}
}

func TestSockaddrToUDPAddrUnknownTypeReturnsNil(t *testing.T) {
	if got := sockaddrToUDPAddr(&unix.SockaddrUnix{Name: "/tmp/x"}); got != nil {
		t.Errorf("expected nil for an unsupported sockaddr type, got %v", got)
	}
}
