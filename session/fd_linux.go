//go:build linux

package session

import (
	"fmt"
	"net"
)

// rawFD extracts the OS file descriptor backing conn, for registering it
// directly with epoll. The descriptor stays valid only while conn is open
// and not garbage collected out from under the epoll registration, which
// the owning tcpFlow guarantees by holding conn for its whole lifetime.
func rawFD(conn *net.TCPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	var ctrlErr error
	err = sc.Control(func(f uintptr) {
		fd = int(f)
	})
	if err != nil {
		return 0, err
	}
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if fd == 0 {
		return 0, fmt.Errorf("session: could not recover fd")
	}
	return fd, nil
}
