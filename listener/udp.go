//go:build linux

package listener

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/pylan/sshuttle/acl"
	"github.com/pylan/sshuttle/mux"
	"github.com/pylan/sshuttle/nat"
)

// udpFlow tracks one source endpoint's channel and idle expiry, per the
// udp_by_src registry in §3.
type udpFlow struct {
	channel uint16
	expiry  time.Time
}

// UDPAccepter owns one TPROXY-bound UDP socket, allocating one mux
// channel per distinct source endpoint and refreshing its idle expiry on
// every datagram in either direction.
type UDPAccepter struct {
	conn *net.UDPConn
	mux  Sender
	eng  *acl.Engine
	log  *logging.Logger
	idle time.Duration

	mu      sync.Mutex
	bySrc   map[string]*udpFlow
	byChan  map[uint16]*net.UDPAddr
}

// NewUDPAccepter binds a TPROXY-style listener via nat.SetupUDPListener.
func NewUDPAccepter(addr *net.UDPAddr, m Sender, eng *acl.Engine, log *logging.Logger, idle time.Duration) (*UDPAccepter, error) {
	conn, err := nat.SetupUDPListener(addr)
	if err != nil {
		return nil, err
	}
	return &UDPAccepter{
		conn:   conn,
		mux:    m,
		eng:    eng,
		log:    log,
		idle:   idle,
		bySrc:  make(map[string]*udpFlow),
		byChan: make(map[uint16]*net.UDPAddr),
	}, nil
}

// Close releases the underlying socket.
func (u *UDPAccepter) Close() { u.conn.Close() }

// FD returns the socket's file descriptor for event-loop registration.
func (u *UDPAccepter) FD() (int, error) {
	sc, err := u.conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := sc.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

// RecvAndDispatch reads one datagram and either reuses the existing
// channel for its source or allocates a new one, sending UDP_OPEN on
// first use and UDP_DATA on every datagram.
func (u *UDPAccepter) RecvAndDispatch(buf []byte) error {
	src, dst, n, err := nat.RecvUDP(u.conn, buf)
	if err != nil {
		return err
	}
	payload := buf[:n]

	if !u.eng.ConnectionIsAllowed(dst.IP, dst.Port, src.IP) {
		u.log.Info("udp: denied " + src.String() + " -> " + dst.String())
		return nil
	}

	u.mu.Lock()
	flow, ok := u.bySrc[src.String()]
	u.mu.Unlock()

	if !ok {
		channel, err := u.mux.NextChannel()
		if err != nil {
			u.log.Warning("udp: " + err.Error())
			return nil
		}
		flow = &udpFlow{channel: channel}
		u.mu.Lock()
		u.bySrc[src.String()] = flow
		u.byChan[channel] = src
		u.mu.Unlock()

		// Register the reply callback on first use of this channel: a
		// UDP_DATA frame coming back from the relay has nowhere else to
		// go, since the channel is keyed only by src's endpoint.
		u.mux.Register(channel, func(cmd mux.Command, payload []byte) {
			if cmd == mux.CmdUDPData {
				u.Reply(channel, payload)
			}
		})

		family := 4
		if dst.IP.To4() == nil {
			family = 6
		}
		u.mux.Send(channel, mux.CmdUDPOpen, []byte(strconv.Itoa(family)))
	}

	flow.expiry = time.Now().Add(u.idle)
	u.mux.Send(flow.channel, mux.CmdUDPData, udpDataPayload(dst, payload))
	return nil
}

// Reply forwards a UDP_DATA frame arriving from the relay back to the
// datagram's original source, refreshing its idle expiry.
func (u *UDPAccepter) Reply(channel uint16, payload []byte) {
	u.mu.Lock()
	src, ok := u.byChan[channel]
	flow := u.bySrc[keyFor(src)]
	u.mu.Unlock()
	if !ok {
		return
	}
	if flow != nil {
		flow.expiry = time.Now().Add(u.idle)
	}

	_, rawPayload, ok2 := splitUDPDataPayload(payload)
	if !ok2 {
		return
	}
	nat.SendUDP(u.conn, src, rawPayload)
}

func keyFor(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// ExpireIdle reaps flows idle past their deadline, sending UDP_CLOSE for
// each and removing it from both registries, satisfying the "exactly one
// UDP_CLOSE" invariant.
func (u *UDPAccepter) ExpireIdle(now time.Time) {
	u.mu.Lock()
	var expired []string
	for src, flow := range u.bySrc {
		if now.After(flow.expiry) {
			expired = append(expired, src)
		}
	}
	for _, src := range expired {
		flow := u.bySrc[src]
		delete(u.bySrc, src)
		delete(u.byChan, flow.channel)
		u.mu.Unlock()
		u.mux.Send(flow.channel, mux.CmdUDPClose, nil)
		u.mux.Unregister(flow.channel)
		u.mu.Lock()
	}
	u.mu.Unlock()
}

func udpDataPayload(dst *net.UDPAddr, raw []byte) []byte {
	head := dst.IP.String() + "," + strconv.Itoa(dst.Port) + ","
	out := make([]byte, 0, len(head)+len(raw))
	out = append(out, head...)
	out = append(out, raw...)
	return out
}

// splitUDPDataPayload parses "ip,port,raw" into (addr, raw). Only the
// first two commas are significant; the remainder is opaque payload
// bytes that may themselves contain commas.
func splitUDPDataPayload(payload []byte) (*net.UDPAddr, []byte, bool) {
	s := string(payload)
	first := strings.IndexByte(s, ',')
	if first < 0 {
		return nil, nil, false
	}
	rest := s[first+1:]
	second := strings.IndexByte(rest, ',')
	if second < 0 {
		return nil, nil, false
	}
	ipStr := s[:first]
	portStr := rest[:second]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, nil, false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, nil, false
	}
	rawStart := first + 1 + second + 1
	return &net.UDPAddr{IP: ip, Port: port}, payload[rawStart:], true
}
