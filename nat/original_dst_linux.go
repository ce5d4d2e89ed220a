//go:build linux

// Package nat implements the one packet-filter backend in scope for this
// core: Linux iptables/NAT redirection. It exposes the method-specific
// operations the listeners call as plain package functions; no other
// backend is implemented.
package nat

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// OriginalDst recovers the true destination of a TCP connection that
// arrived on a NAT-redirected listener, via getsockopt(SO_ORIGINAL_DST).
// This is the NAT method's get_tcp_dstip operation.
func OriginalDst(conn *net.TCPConn) (net.IP, int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return nil, 0, err
	}

	var ip net.IP
	var port int
	var sockErr error

	ctrlErr := sc.Control(func(fd uintptr) {
		ip, port, sockErr = getOriginalDst(fd)
	})
	if ctrlErr != nil {
		return nil, 0, ctrlErr
	}
	return ip, port, sockErr
}

// sockaddrIn mirrors struct sockaddr_in as returned by SO_ORIGINAL_DST on
// an AF_INET socket (the only family the NAT method supports, per
// spec.md's original_source and its REDESIGN note restricting this
// backend to IPv4).
type sockaddrIn struct {
	Family uint16
	Port   [2]byte
	Addr   [4]byte
	Zero   [8]byte
}

const soOriginalDst = 80 // SO_ORIGINAL_DST, not exported by golang.org/x/sys/unix on all platforms

func getOriginalDst(fd uintptr) (net.IP, int, error) {
	var addr sockaddrIn
	size := uint32(unsafe.Sizeof(addr))
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		fd,
		uintptr(unix.SOL_IP),
		uintptr(soOriginalDst),
		uintptr(unsafe.Pointer(&addr)),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if errno != 0 {
		return nil, 0, fmt.Errorf("getsockopt(SO_ORIGINAL_DST): %w", errno)
	}
	ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
	port := int(addr.Port[0])<<8 | int(addr.Port[1])
	return ip, port, nil
}
