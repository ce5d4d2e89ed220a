//go:build linux

package session

import (
	"net"

	"github.com/op/go-logging"

	"github.com/pylan/sshuttle/mux"
	"github.com/pylan/sshuttle/wrapper"
)

// tcpFlow wires one accepted TCP connection to its MuxWrapper over a
// Proxy, and is itself the event-loop Handler registered for the
// accepted socket's fd. It also records the flow's destination so
// expire_connections can re-run the ACL against it on every tick.
type tcpFlow struct {
	conn    *net.TCPConn
	fd      int
	sock    *wrapper.SockWrapper
	muxW    *wrapper.MuxWrapper
	proxy   *wrapper.Proxy
	channel uint16
	srcIP   net.IP
	dstIP   net.IP
	dstPort int

	// cid is an opaque correlation id, logged alongside this flow's
	// lifecycle events; it never appears on the wire.
	cid string
	log *logging.Logger

	// paused is set on a received TCP_STOP_SENDING (the remote's inbound
	// queue for this channel is backed up) and cleared once the mux
	// outbox has drained below its low-water mark (Manager.expireConnections).
	// Unlike ShutRead, this never produces a TCP_EOF: it only skips
	// reading from the accepted socket for as long as it's set.
	paused bool
}

func newTCPFlow(conn *net.TCPConn, channel uint16, dstIP net.IP, dstPort int, cid string, sender wrapper.Sender, log *logging.Logger) (*tcpFlow, error) {
	fd, err := rawFD(conn)
	if err != nil {
		return nil, err
	}
	sock := wrapper.NewSockWrapper(conn, nil)
	muxW := wrapper.NewMuxWrapper(sender, channel)
	return &tcpFlow{
		conn:    conn,
		fd:      fd,
		sock:    sock,
		muxW:    muxW,
		proxy:   wrapper.NewProxy(sock, muxW),
		channel: channel,
		srcIP:   conn.RemoteAddr().(*net.TCPAddr).IP,
		dstIP:   dstIP,
		dstPort: dstPort,
		cid:     cid,
		log:     log,
	}, nil
}

// muxCallback is registered on the Mux for this flow's channel: TCP_DATA
// feeds the MuxWrapper's pending buffer, TCP_EOF half-closes it, and any
// other command resets the flow.
func (f *tcpFlow) muxCallback(cmd mux.Command, payload []byte) {
	switch cmd {
	case mux.CmdTCPData:
		f.muxW.Feed(payload)
	case mux.CmdTCPEOF:
		f.muxW.OnEOF()
	case mux.CmdTCPStopSending:
		f.paused = true
	default:
		f.muxW.OnReset()
	}
}

// resume clears a pause set by a received TCP_STOP_SENDING, letting the
// accepted socket be read again.
func (f *tcpFlow) resume() { f.paused = false }

func (f *tcpFlow) FD() int { return f.fd }

func (f *tcpFlow) OnReadable() {
	if !f.paused {
		f.sock.PumpRead()
	}
	f.proxy.Pump()
}

func (f *tcpFlow) OnWritable() {
	f.proxy.Pump()
}

func (f *tcpFlow) Done() bool {
	return f.proxy.Done()
}

// revoke forcibly tears down both halves of the proxy and closes the
// accepted socket, for a policy change revoking a previously-admitted
// flow (§4.4 step 2, scenario 4).
func (f *tcpFlow) revoke() {
	if f.log != nil {
		f.log.Info("[" + f.cid + "] tcp flow: revoked by policy change")
	}
	f.sock.ShutRead()
	f.sock.ShutWrite()
	f.muxW.OnReset()
	f.sock.Close()
}
