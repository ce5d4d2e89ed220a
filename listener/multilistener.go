// Package listener implements the dual-stack accept paths: TCP connect
// redirection, UDP datagram redirection, and the DNS suffix bypass, all
// built on the nat package's Linux NAT/TPROXY primitives.
package listener

import (
	"errors"
	"net"
	"strings"
)

// MultiListener pairs a v6 and a v4 listener of the same type (stream or
// datagram). Either may be nil: on a dual-stack kernel, binding the v4
// address after the v6 one often returns EADDRINUSE because the v6
// socket already receives v4-mapped traffic, in which case the v4
// listener is silently dropped.
type MultiListener struct {
	V6 net.Listener
	V4 net.Listener
}

// BindTCP binds addrV6 and addrV4 (either may be ""), dropping the v4
// listener on EADDRINUSE against an already-bound dual-stack v6 socket.
func BindTCP(addrV6, addrV4 string) (*MultiListener, error) {
	ml := &MultiListener{}
	var err error
	if addrV6 != "" {
		ml.V6, err = net.Listen("tcp6", addrV6)
		if err != nil {
			return nil, err
		}
	}
	if addrV4 != "" {
		l, err4 := net.Listen("tcp4", addrV4)
		if err4 != nil {
			if ml.V6 != nil && isAddrInUse(err4) {
				return ml, nil
			}
			ml.Close()
			return nil, err4
		}
		ml.V4 = l
	}
	if ml.V6 == nil && ml.V4 == nil {
		return nil, errors.New("listener: no address given")
	}
	return ml, nil
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use")
}

// Close closes whichever sub-listeners are non-nil.
func (ml *MultiListener) Close() {
	if ml.V6 != nil {
		ml.V6.Close()
	}
	if ml.V4 != nil {
		ml.V4.Close()
	}
}

// Listeners returns the non-nil sub-listeners, for the event loop to
// register individually (each carries its own fd to poll).
func (ml *MultiListener) Listeners() []net.Listener {
	var out []net.Listener
	if ml.V6 != nil {
		out = append(out, ml.V6)
	}
	if ml.V4 != nil {
		out = append(out, ml.V4)
	}
	return out
}

// BindPort tries ports from high down to low (inclusive), in the order
// the session manager's startup handshake searches for a free redirect
// port, returning the first value bind produces successfully. The TCP
// redirector and the DNS listener each run their own independent
// BindPort search over the same range (spec.md §6), so bind is generic
// over whatever the caller's bind step returns (*MultiListener for TCP,
// *DNSAccepter for DNS).
func BindPort[T any](bind func(port int) (T, error), high, low int) (T, int, error) {
	for port := high; port >= low; port-- {
		v, err := bind(port)
		if err == nil {
			return v, port, nil
		}
	}
	var zero T
	return zero, 0, errors.New("listener: no free port in range")
}
