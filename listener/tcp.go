//go:build linux

package listener

import (
	"errors"
	"net"
	"os"
	"strconv"
	"syscall"

	"github.com/op/go-logging"

	"github.com/pylan/sshuttle"
	"github.com/pylan/sshuttle/acl"
	"github.com/pylan/sshuttle/mux"
	"github.com/pylan/sshuttle/nat"
)

// Sender is the subset of *mux.Mux the accept paths need. TCP only ever
// allocates and sends; UDP also registers a reply callback on first use
// of a channel and unregisters it once the flow's idle expiry fires.
type Sender interface {
	NextChannel() (uint16, error)
	Send(channel uint16, cmd mux.Command, payload []byte)
	Register(channel uint16, cb mux.Callback)
	Unregister(channel uint16)
}

// Accepted is a freshly admitted TCP flow, handed to the session manager
// so it can wire a Proxy between the accepted socket and a MuxWrapper
// bound to Channel.
type Accepted struct {
	Conn          *net.TCPConn
	Channel       uint16
	DstIP         net.IP
	DstPort       int
	CorrelationID string
}

// TCPAccepter owns one bound listener (already filtered to one address
// family by MultiListener) and the spare-descriptor trick used to shed
// load gracefully when the process is out of file descriptors.
type TCPAccepter struct {
	ln    net.Listener
	mux   Sender
	eng   *acl.Engine
	log   *logging.Logger
	spare *os.File
}

// NewTCPAccepter opens the spare descriptor immediately; Accept reuses it
// to survive one more EMFILE/ENFILE before needing a fresh one.
func NewTCPAccepter(ln net.Listener, m Sender, eng *acl.Engine, log *logging.Logger) (*TCPAccepter, error) {
	spare, err := openSpare()
	if err != nil {
		return nil, err
	}
	return &TCPAccepter{ln: ln, mux: m, eng: eng, log: log, spare: spare}, nil
}

// Accept performs one accept-and-admit cycle. It returns (nil, nil) when
// the connection was rejected (loop, ACL deny, or channel table full)
// rather than an error: the caller's loop just continues.
func (a *TCPAccepter) Accept() (*Accepted, error) {
	conn, err := a.ln.Accept()
	if err != nil {
		if isFDExhausted(err) {
			a.shedLoad()
			return nil, nil
		}
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, errors.New("listener: accepted non-TCP connection")
	}

	dstIP, dstPort, err := nat.OriginalDst(tcpConn)
	if err != nil {
		a.log.Warning("tcp accept: recovering original destination: " + err.Error())
		tcpConn.Close()
		return nil, nil
	}

	if isLoopbackToSelf(a.ln.Addr(), dstIP, dstPort) {
		a.log.Warning("tcp accept: destination is the listener's own address, refusing")
		tcpConn.Close()
		return nil, nil
	}

	srcIP := tcpConn.RemoteAddr().(*net.TCPAddr).IP
	cid := sshuttle.NewCorrelationID()
	if !a.eng.ConnectionIsAllowed(dstIP, dstPort, srcIP) {
		a.log.Info("[" + cid + "] tcp accept: denied " + srcIP.String() + " -> " + dstIP.String() + ":" + strconv.Itoa(dstPort))
		tcpConn.Close()
		return nil, nil
	}

	channel, err := a.mux.NextChannel()
	if err != nil {
		a.log.Warning("[" + cid + "] tcp accept: " + err.Error())
		tcpConn.Close()
		return nil, nil
	}

	a.log.Debug("[" + cid + "] tcp accept: admitted " + srcIP.String() + " -> " + dstIP.String() + ":" + strconv.Itoa(dstPort) + " on channel " + strconv.Itoa(int(channel)))
	a.mux.Send(channel, mux.CmdTCPConnect, tcpConnectPayload(dstIP, dstPort))
	return &Accepted{Conn: tcpConn, Channel: channel, DstIP: dstIP, DstPort: dstPort, CorrelationID: cid}, nil
}

// FD returns the listening socket's file descriptor, for registering
// this accepter directly with the event loop's poll set.
func (a *TCPAccepter) FD() (int, error) {
	tl, ok := a.ln.(*net.TCPListener)
	if !ok {
		return 0, errors.New("listener: not a TCP listener")
	}
	sc, err := tl.SyscallConn()
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

// Close closes the listener and releases the spare descriptor.
func (a *TCPAccepter) Close() {
	a.ln.Close()
	if a.spare != nil {
		a.spare.Close()
	}
}

// shedLoad implements the FD-exhaustion recovery: close the spare
// descriptor to free one slot, re-accept the backlogged connection and
// immediately close it to shed load, then reopen the spare so the trick
// is available again next time.
func (a *TCPAccepter) shedLoad() {
	if a.spare != nil {
		a.spare.Close()
		a.spare = nil
	}
	if conn, err := a.ln.Accept(); err == nil {
		conn.Close()
	}
	if spare, err := openSpare(); err == nil {
		a.spare = spare
	}
}

func isFDExhausted(err error) bool {
	var serr *os.SyscallError
	if errors.As(err, &serr) {
		return serr.Err == syscall.EMFILE || serr.Err == syscall.ENFILE
	}
	return false
}

func isLoopbackToSelf(listenAddr net.Addr, dstIP net.IP, dstPort int) bool {
	ta, ok := listenAddr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return ta.Port == dstPort && (ta.IP.IsUnspecified() || ta.IP.Equal(dstIP))
}

func tcpConnectPayload(ip net.IP, port int) []byte {
	family := 4
	if ip.To4() == nil {
		family = 6
	}
	return []byte(strconv.Itoa(family) + "," + ip.String() + "," + strconv.Itoa(port))
}

func openSpare() (*os.File, error) {
	return os.Open(os.DevNull)
}
