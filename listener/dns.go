package listener

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/op/go-logging"

	"github.com/pylan/sshuttle/mux"
)

var errNoUpstream = errors.New("listener: no upstream configured")

// DNSAccepter owns the DNS redirect socket. Queries for a configured
// suffix bypass the mux entirely and go straight to an upstream
// resolver; everything else rides the relay as a fresh channel, one per
// query, per §4.2's DNS accept path.
type DNSAccepter struct {
	conn *net.UDPConn
	mux  Sender
	log  *logging.Logger

	suffix string

	mu        sync.Mutex
	upstreams [2]string // [0] preferred, [1] secondary; swapped when the preferred one fails
}

// NewDNSAccepter binds a plain (non-TPROXY) UDP listener: DNS redirection
// only needs to see the query, not its original destination, since every
// reply is delivered back to the requesting source regardless of which
// upstream served it.
func NewDNSAccepter(addr *net.UDPAddr, m Sender, log *logging.Logger, suffix, dns1, dns2 string) (*DNSAccepter, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &DNSAccepter{conn: conn, mux: m, log: log, suffix: suffix, upstreams: [2]string{dns1, dns2}}, nil
}

func (d *DNSAccepter) Close() { d.conn.Close() }

// FD returns the socket's file descriptor for event-loop registration.
func (d *DNSAccepter) FD() (int, error) {
	sc, err := d.conn.SyscallConn()
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

// Pending tracks an in-flight relay-bound DNS exchange awaiting either a
// DNS_RESPONSE frame or its expiry, per the dns_requests registry.
type Pending struct {
	Channel uint16
	Src     *net.UDPAddr
	Expiry  time.Time
}

// RecvAndDispatch reads one query. If it matches the bypass suffix it is
// resolved directly and the reply written back without ever touching the
// mux; otherwise a fresh channel is allocated and the raw query bytes
// ride the relay as DNS_REQ. The returned Pending is nil when the query
// was handled locally.
func (d *DNSAccepter) RecvAndDispatch(buf []byte, idle time.Duration) (*Pending, error) {
	n, src, err := d.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	query := buf[:n]

	if d.suffix != "" && matchesSuffix(query, d.suffix) {
		d.bypass(query, src)
		return nil, nil
	}

	channel, err := d.mux.NextChannel()
	if err != nil {
		d.log.Warning("dns: " + err.Error())
		return nil, nil
	}
	d.mux.Send(channel, mux.CmdDNSReq, query)
	return &Pending{Channel: channel, Src: src, Expiry: time.Now().Add(idle)}, nil
}

// Reply delivers a DNS_RESPONSE frame's payload back to the original
// requester as a UDP datagram.
func (d *DNSAccepter) Reply(src *net.UDPAddr, payload []byte) {
	d.conn.WriteToUDP(payload, src)
}

// matchesSuffix extracts the query's QNAME and reports whether it equals
// suffix or ends in it at a label boundary (case-insensitive,
// dot-normalized).
func matchesSuffix(query []byte, suffix string) bool {
	m := new(dns.Msg)
	if err := m.Unpack(query); err != nil || len(m.Question) == 0 {
		return false
	}
	name := strings.TrimSuffix(strings.ToLower(m.Question[0].Name), ".")
	s := strings.Trim(strings.ToLower(suffix), ".")
	return name == s || strings.HasSuffix(name, "."+s)
}

// bypass forwards query to the preferred upstream. On any error from it
// (a timeout included) it falls back to the secondary, and swaps the pair
// once the secondary answers, per scenario 5 in §8.
func (d *DNSAccepter) bypass(query []byte, src *net.UDPAddr) {
	d.mu.Lock()
	preferred, secondary := d.upstreams[0], d.upstreams[1]
	d.mu.Unlock()

	reply, err := exchangeUpstream(preferred, query)
	if err != nil && secondary != "" {
		d.log.Warning("dns bypass: " + preferred + " timed out, trying " + secondary)
		reply, err = exchangeUpstream(secondary, query)
		if err == nil {
			d.mu.Lock()
			d.upstreams[0], d.upstreams[1] = secondary, preferred
			d.mu.Unlock()
		}
	}
	if err != nil {
		d.log.Warning("dns bypass: both upstreams failed: " + err.Error())
		return
	}
	d.conn.WriteToUDP(reply, src)
}

func exchangeUpstream(addr string, query []byte) ([]byte, error) {
	if addr == "" {
		return nil, errNoUpstream
	}
	conn, err := net.DialTimeout("udp", joinHostPort(addr, 53), 3*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write(query); err != nil {
		return nil, err
	}
	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func joinHostPort(addr string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(defaultPort))
}
