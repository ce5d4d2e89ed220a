//go:build linux

package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru"
	"github.com/op/go-logging"

	"github.com/pylan/sshuttle"
	"github.com/pylan/sshuttle/acl"
	"github.com/pylan/sshuttle/firewall"
	"github.com/pylan/sshuttle/listener"
	"github.com/pylan/sshuttle/mux"
)

const (
	portSearchHigh = 12300
	portSearchLow  = 9001

	muxHighWater = 256 * 1024
	muxLowWater  = 64 * 1024

	// maxInFlightDNS bounds the bypass-ineligible DNS request registry;
	// past this many concurrent outstanding queries the oldest is evicted
	// (and its channel released) rather than let a query flood grow the
	// registry without bound.
	maxInFlightDNS = 4096
)

// Manager owns the whole session lifecycle described in §4.7: spawning
// the firewall helper and the relay, bringing up listeners, and then
// running the event loop for the life of the process.
type Manager struct {
	cfg sshuttle.Config
	log *logging.Logger
	eng *acl.Engine

	fw    *firewall.Client
	relay *Relay
	m     *mux.Mux
	loop  *EventLoop

	tcps []*listener.TCPAccepter
	udp  *listener.UDPAccepter
	dns  *listener.DNSAccepter

	// ports records the real bound redirect ports, filled in by
	// bindListeners and sent to the helper in sendStartupLines's PORTS
	// line (§4.7 step 1).
	ports firewall.Ports

	mu        sync.Mutex
	tcpFlows  map[uint16]*tcpFlow
	dnsWait   *lru.Cache // uint16 channel -> *listener.Pending
	seedHosts []string
	streamErr error

	ctx context.Context
}

// onStreamError records a fatal mux stream error so sessionDone trips on
// the next iteration and the loop exits.
func (m *Manager) onStreamError(err error) {
	m.mu.Lock()
	if m.streamErr == nil {
		m.streamErr = err
		m.log.Error("relay stream: " + err.Error())
	}
	m.mu.Unlock()
}

// sessionDone is the event loop's per-iteration liveness check (§4.4
// step 1): the relay subprocess has exited, its stream hit a fatal
// read/write error, or the caller cancelled ctx (graceful shutdown on
// signal, handled by cmd/sshuttled).
func (m *Manager) sessionDone() bool {
	m.mu.Lock()
	dead := m.streamErr != nil
	m.mu.Unlock()
	if m.ctx != nil && m.ctx.Err() != nil {
		return true
	}
	return dead || m.relay.Exited()
}

// New wires a Manager around an already-populated ACL engine (the
// subscriber is started separately by the caller, typically cmd/sshuttled).
func New(cfg sshuttle.Config, eng *acl.Engine, log *logging.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		log:      log,
		eng:      eng,
		tcpFlows: make(map[uint16]*tcpFlow),
	}
	// onEvicted fires both for capacity-driven eviction and for the
	// explicit Remove on a DNS_RESPONSE arriving, so channel release is
	// handled in exactly one place regardless of which path retired it.
	dnsWait, err := lru.NewWithEvict(maxInFlightDNS, func(key interface{}, _ interface{}) {
		m.m.Unregister(key.(uint16))
	})
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxInFlightDNS never is.
		panic(err)
	}
	m.dnsWait = dnsWait
	return m
}

// Run executes the full startup handshake (§4.7 steps 1-5) and then
// blocks in the event loop (step 6) until a fatal error occurs.
func (m *Manager) Run(ctx context.Context, helperPath string, helperArgs []string, relayPath string, relayArgs []string) error {
	m.ctx = ctx

	fw, err := firewall.Start(helperPath, helperArgs, m.log)
	if err != nil {
		return fmt.Errorf("session: starting firewall helper: %w", err)
	}
	m.fw = fw

	method, err := fw.ReadReady()
	if err != nil {
		return fmt.Errorf("session: %w", sshuttle.ErrHelperExited)
	}
	m.log.Info("firewall helper ready, method=" + method)

	// The Mux is constructed here, ahead of the relay connecting, since
	// listener setup (below) needs channel allocation working; its
	// stream is only a placeholder until the relay handshake completes.
	m.m = mux.New(new(noStream), muxHighWater, muxLowWater)

	if err := m.bindListeners(); err != nil {
		return err
	}

	if err := m.sendStartupLines(); err != nil {
		return err
	}
	if err := fw.AwaitStarted(); err != nil {
		return fmt.Errorf("session: %w", sshuttle.ErrHelperExited)
	}

	relay, err := StartRelay(relayPath, relayArgs)
	if err != nil {
		return err
	}
	m.relay = relay

	m.m.SetStream(relay.Stream())
	m.m.Register(mux.ControlChannel, m.controlCallback)

	if len(m.seedHosts) > 0 {
		m.m.Send(mux.ControlChannel, mux.CmdHostReq, []byte(strings.Join(m.seedHosts, "\n")))
	}

	loop, err := NewEventLoop(sshuttle.DefaultTimeouts().EventLoopPoll, m.expireConnections, m.sessionDone)
	if err != nil {
		return err
	}
	m.loop = loop

	if err := m.registerListeners(); err != nil {
		return err
	}

	muxH := &muxHandler{m: m.m, fd: relay.FD(), errs: m.onStreamError}
	if err := m.loop.Register(muxH, false); err != nil {
		return err
	}

	return loop.Run()
}

// bindListeners searches portSearchHigh..portSearchLow for the first
// port that binds a dual-stack TCP listener (UDP shares that same port,
// per the original's combined tcp_listener/udp_listener bind loop), then
// runs a second, independent BindPort search over the same range for the
// DNS listener (§6: "independently, for the DNS listener").
func (m *Manager) bindListeners() error {
	ml, port, err := listener.BindPort(func(port int) (*listener.MultiListener, error) {
		addr := fmt.Sprintf(":%d", port)
		return listener.BindTCP(addr, addr)
	}, portSearchHigh, portSearchLow)
	if err != nil {
		return fmt.Errorf("session: binding TCP redirector: %w", err)
	}
	m.log.Info(fmt.Sprintf("tcp redirector bound on port %d", port))

	if ml.V6 != nil {
		m.ports.V6TCP = port
	}
	if ml.V4 != nil {
		m.ports.V4TCP = port
	}

	for _, ln := range ml.Listeners() {
		acc, err := listener.NewTCPAccepter(ln, m.m, m.eng, m.log)
		if err != nil {
			return err
		}
		m.tcps = append(m.tcps, acc)
	}

	udpAddr := &net.UDPAddr{Port: port}
	udp, err := listener.NewUDPAccepter(udpAddr, m.m, m.eng, m.log, sshuttle.DefaultTimeouts().UDPIdleExpiry)
	if err == nil {
		m.udp = udp
	} else {
		m.log.Warning("udp redirector: " + err.Error())
	}

	dns, dnsPort, err := listener.BindPort(func(port int) (*listener.DNSAccepter, error) {
		addr := &net.UDPAddr{Port: port}
		return listener.NewDNSAccepter(addr, m.m, m.log, m.cfg.DNSProxySuffix, m.cfg.DNS1, m.cfg.DNS2)
	}, portSearchHigh, portSearchLow)
	if err == nil {
		m.dns = dns
		m.ports.V6DNS = dnsPort
		m.ports.V4DNS = dnsPort
		m.log.Info(fmt.Sprintf("dns redirector bound on port %d", dnsPort))
	} else {
		m.log.Warning("dns redirector: " + err.Error())
	}

	return nil
}

func (m *Manager) sendStartupLines() error {
	if err := m.fw.SendRoutes(nil); err != nil {
		return err
	}
	if err := m.fw.SendNameservers(nil); err != nil {
		return err
	}
	if err := m.fw.SendPorts(m.ports); err != nil {
		return err
	}
	return m.fw.SendGo(m.udp != nil)
}

// registerListeners wires the TCP/UDP/DNS accept paths into the event
// loop as their own handlers, each driven off its own listening fd.
func (m *Manager) registerListeners() error {
	for _, tcp := range m.tcps {
		fd, err := tcp.FD()
		if err != nil {
			return err
		}
		tcp := tcp
		if err := m.loop.Register(&acceptHandler{fd: fd, accept: func() { m.onTCPAccept(tcp) }}, false); err != nil {
			return err
		}
	}
	if m.udp != nil {
		fd, err := m.udp.FD()
		if err != nil {
			return err
		}
		if err := m.loop.Register(&acceptHandler{fd: fd, accept: m.onUDPReadable}, false); err != nil {
			return err
		}
	}
	if m.dns != nil {
		fd, err := m.dns.FD()
		if err != nil {
			return err
		}
		if err := m.loop.Register(&acceptHandler{fd: fd, accept: m.onDNSReadable}, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) onUDPReadable() {
	buf := make([]byte, 65535)
	if err := m.udp.RecvAndDispatch(buf); err != nil {
		m.log.Warning("udp: " + err.Error())
	}
}

func (m *Manager) onDNSReadable() {
	buf := make([]byte, 65535)
	pending, err := m.dns.RecvAndDispatch(buf, sshuttle.DefaultTimeouts().DNSExpiry)
	if err != nil {
		m.log.Warning("dns: " + err.Error())
		return
	}
	if pending == nil {
		return
	}
	src := pending.Src
	m.dnsWait.Add(pending.Channel, pending)
	m.m.Register(pending.Channel, func(cmd mux.Command, payload []byte) {
		if cmd != mux.CmdDNSResponse {
			return
		}
		m.dns.Reply(src, payload)
		// Remove fires the cache's onEvicted callback, which unregisters
		// the channel; no separate Unregister call needed here.
		m.dnsWait.Remove(pending.Channel)
	})
}

// onTCPAccept is called once a connection is ready on acc; it wires a
// tcpFlow and registers it with the loop.
func (m *Manager) onTCPAccept(acc *listener.TCPAccepter) {
	accepted, err := acc.Accept()
	if err != nil {
		m.log.Error("tcp accept: " + err.Error())
		return
	}
	if accepted == nil {
		return
	}
	flow, err := newTCPFlow(accepted.Conn, accepted.Channel, accepted.DstIP, accepted.DstPort, accepted.CorrelationID, m.m, m.log)
	if err != nil {
		m.log.Error("[" + accepted.CorrelationID + "] tcp flow: " + err.Error())
		accepted.Conn.Close()
		return
	}
	m.m.Register(accepted.Channel, flow.muxCallback)
	m.mu.Lock()
	m.tcpFlows[accepted.Channel] = flow
	m.mu.Unlock()
	m.loop.Register(flow, false)
}

// controlCallback handles channel-0 frames: ROUTES and HOST_LIST.
func (m *Manager) controlCallback(cmd mux.Command, payload []byte) {
	switch cmd {
	case mux.CmdRoutes:
		m.onRoutes(payload)
	case mux.CmdHostList:
		m.onHostList(payload)
	}
}

// onRoutes forwards the networks advertised in a ROUTES frame to the
// helper as one ROUTES block. Every ROUTES frame is forwarded, not only
// the first, and nothing further is sent to the helper afterwards.
func (m *Manager) onRoutes(payload []byte) {
	lines := strings.Split(string(payload), "\n")
	var entries []firewall.RouteEntry
	for _, line := range lines {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			continue
		}
		var family, width int
		fmt.Sscanf(parts[0], "%d", &family)
		fmt.Sscanf(parts[2], "%d", &width)
		// The open question on the else-branch fall-through (SPEC_FULL §9)
		// is resolved here: only forward a family whose listener is
		// actually bound.
		if (family == 4 && m.ports.V4TCP == 0) || (family == 6 && m.ports.V6TCP == 0) {
			continue
		}
		entries = append(entries, firewall.RouteEntry{Family: family, Width: width, Include: true, IP: parts[1]})
	}
	if err := m.fw.SendRoutes(entries); err != nil {
		m.log.Error("routes: " + err.Error())
	}
}

// onHostList forwards relay-announced name,ip pairs to the helper.
func (m *Manager) onHostList(payload []byte) {
	fields := strings.Fields(string(payload))
	for _, f := range fields {
		parts := strings.SplitN(f, ",", 2)
		if len(parts) != 2 {
			continue
		}
		ip := net.ParseIP(parts[1])
		if ip == nil {
			continue
		}
		if err := m.fw.SendHost(parts[0], ip); err != nil {
			m.log.Error("host: " + err.Error())
		}
	}
}

// expireConnections implements §4.4 step 2: reap expired UDP/DNS
// channels and re-validate every live TCP flow against the current ACL
// snapshot, tearing down any that are now denied.
func (m *Manager) expireConnections(now time.Time) {
	if m.udp != nil {
		m.udp.ExpireIdle(now)
	}

	expiredDNS := make([]uint16, 0)
	for _, key := range m.dnsWait.Keys() {
		ch := key.(uint16)
		p, ok := m.dnsWait.Peek(ch)
		if ok && now.After(p.(*listener.Pending).Expiry) {
			expiredDNS = append(expiredDNS, ch)
		}
	}
	for _, ch := range expiredDNS {
		// Remove fires onEvicted, which unregisters the channel.
		m.dnsWait.Remove(ch)
	}

	m.mu.Lock()
	toRevoke := make([]*tcpFlow, 0)
	for _, flow := range m.tcpFlows {
		if !m.eng.ConnectionIsAllowed(flow.dstIP, flow.dstPort, flow.srcIP) {
			toRevoke = append(toRevoke, flow)
		}
	}
	m.mu.Unlock()
	for _, flow := range toRevoke {
		flow.revoke()
		m.m.Unregister(flow.channel)
		m.mu.Lock()
		delete(m.tcpFlows, flow.channel)
		m.mu.Unlock()
	}

	if m.m != nil && m.m.Full() {
		m.applyLatencyControl()
	} else {
		m.releaseLatencyControl()
	}
}

// applyLatencyControl implements the backpressure contract of §5: once
// the mux outbox is above its high-water mark, ask the remote to pause
// each active channel via TCP_STOP_SENDING.
func (m *Manager) applyLatencyControl() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, flow := range m.tcpFlows {
		m.m.Send(flow.channel, mux.CmdTCPStopSending, nil)
	}
}

// releaseLatencyControl resumes every flow paused by a received
// TCP_STOP_SENDING once the mux outbox has drained back below its
// low-water mark (Mux.Full reports false again).
func (m *Manager) releaseLatencyControl() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, flow := range m.tcpFlows {
		flow.resume()
	}
}

// muxHandler drives Mux.Tick off the relay stream's own fd: readable
// means new frames to decode and dispatch, and it opportunistically
// flushes the outbox on every tick rather than waiting for a dedicated
// EPOLLOUT registration, since pipe writes rarely block in practice.
type muxHandler struct {
	m    *mux.Mux
	fd   int
	errs func(error)
}

func (h *muxHandler) FD() int { return h.fd }

func (h *muxHandler) OnReadable() {
	if err := h.m.Tick(true, h.m.PendingWrite()); err != nil && h.errs != nil {
		h.errs(err)
	}
}

func (h *muxHandler) OnWritable() {
	if err := h.m.Tick(false, true); err != nil && h.errs != nil {
		h.errs(err)
	}
}

func (h *muxHandler) Done() bool { return false }

// noStream is the Mux's placeholder stream between construction and the
// relay handshake completing; Tick is never called against it since the
// event loop isn't built until after SetStream.
type noStream struct{}

func (noStream) Read([]byte) (int, error)  { return 0, io.EOF }
func (noStream) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

// acceptHandler adapts a callback-on-readable into a Handler for
// listeners that are driven off their own fd rather than a per-flow one.
type acceptHandler struct {
	fd     int
	accept func()
}

func (a *acceptHandler) FD() int     { return a.fd }
func (a *acceptHandler) OnReadable() { a.accept() }
func (a *acceptHandler) OnWritable() {}
func (a *acceptHandler) Done() bool  { return false }
