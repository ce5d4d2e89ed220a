//go:build linux

package nat

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// SetupUDPListener binds a UDP socket with IP_TRANSPARENT and
// IP_RECVORIGDSTADDR set, the two socket options a TPROXY-style redirect
// rule needs so RecvUDP below can recover each datagram's original
// destination (the NAT method's setup_udp_listener operation).
func SetupUDPListener(addr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
				if ctrlErr != nil {
					return
				}
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, fmt.Errorf("nat: unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// RecvUDP reads one datagram and recovers its original destination from
// the IP_RECVORIGDSTADDR ancillary message (the NAT method's recv_udp
// operation). Falls back to conn's own local address if the kernel
// didn't attach the control message (e.g. the listener wasn't actually
// reached through a TPROXY redirect, as in local testing).
func RecvUDP(conn *net.UDPConn, buf []byte) (src *net.UDPAddr, dst *net.UDPAddr, n int, err error) {
	oob := make([]byte, 64)
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, nil, 0, err
	}

	var rn, oobn int
	var from unix.Sockaddr
	var sysErr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		rn, oobn, _, from, sysErr = unix.Recvmsg(int(fd), buf, oob, 0)
		return true
	})
	if ctrlErr != nil {
		return nil, nil, 0, ctrlErr
	}
	if sysErr != nil {
		return nil, nil, 0, sysErr
	}

	src = sockaddrToUDPAddr(from)
	dst = parseOrigDst(oob[:oobn])
	if dst == nil {
		dst = conn.LocalAddr().(*net.UDPAddr)
	}
	return src, dst, rn, nil
}

// SendUDP writes a reply datagram back to src off of the same listening
// socket. Spoofing the original destination as the reply's source
// address (full TPROXY symmetry) would require a second IP_TRANSPARENT
// raw socket per destination; this implementation accepts the simpler,
// widely-compatible asymmetric reply path instead.
func SendUDP(conn *net.UDPConn, dst *net.UDPAddr, payload []byte) error {
	_, err := conn.WriteToUDP(payload, dst)
	return err
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IPv4(s.Addr[0], s.Addr[1], s.Addr[2], s.Addr[3]), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	default:
		return nil
	}
}

func parseOrigDst(oob []byte) *net.UDPAddr {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_RECVORIGDSTADDR {
			if len(m.Data) < 8 {
				continue
			}
			port := int(m.Data[2])<<8 | int(m.Data[3])
			ip := net.IPv4(m.Data[4], m.Data[5], m.Data[6], m.Data[7])
			return &net.UDPAddr{IP: ip, Port: port}
		}
	}
	return nil
}
