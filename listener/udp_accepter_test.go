//go:build linux

package listener

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pylan/sshuttle/acl"
	"github.com/pylan/sshuttle/mux"
)

// allowAllEngine returns an Engine whose only rule is an excluded-source
// lease for 127.0.0.1, bypassing the (otherwise closed) target tables
// entirely, per the excluded-sources scenario in acl/engine_test.go.
func allowAllEngine() *acl.Engine {
	e := acl.NewEngine()
	e.SetExcludedSources(acl.LeaseTable{"127.0.0.1": time.Now().Add(time.Hour).UnixMilli()})
	return e
}

type fakeUDPSender struct {
	nextChan  uint16
	sent      []sentUDPFrame
	callbacks map[uint16]mux.Callback
}

type sentUDPFrame struct {
	channel uint16
	cmd     mux.Command
	payload []byte
}

func (f *fakeUDPSender) NextChannel() (uint16, error) {
	f.nextChan++
	return f.nextChan, nil
}

func (f *fakeUDPSender) Send(channel uint16, cmd mux.Command, payload []byte) {
	f.sent = append(f.sent, sentUDPFrame{channel, cmd, payload})
}

func (f *fakeUDPSender) Register(channel uint16, cb mux.Callback) {
	if f.callbacks == nil {
		f.callbacks = make(map[uint16]mux.Callback)
	}
	f.callbacks[channel] = cb
}

func (f *fakeUDPSender) Unregister(channel uint16) {
	delete(f.callbacks, channel)
}

func TestExpireIdleEmitsExactlyOneUDPCloseAndRemovesFlow(t *testing.T) {
	sender := &fakeUDPSender{}
	u := &UDPAccepter{
		mux:    sender,
		bySrc:  make(map[string]*udpFlow),
		byChan: make(map[uint16]*net.UDPAddr),
		idle:   30 * time.Second,
	}

	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 40000}
	u.bySrc[src.String()] = &udpFlow{channel: 7, expiry: time.Now().Add(-time.Second)}
	u.byChan[7] = src

	u.ExpireIdle(time.Now())

	closes := 0
	for _, f := range sender.sent {
		if f.cmd == mux.CmdUDPClose {
			closes++
			if f.channel != 7 {
				t.Errorf("UDP_CLOSE on channel %d, want 7", f.channel)
			}
		}
	}
	if closes != 1 {
		t.Fatalf("emitted %d UDP_CLOSE frames, want exactly 1", closes)
	}
	if _, ok := u.bySrc[src.String()]; ok {
		t.Error("expired source must be removed from bySrc")
	}
	if _, ok := u.byChan[7]; ok {
		t.Error("expired channel must be removed from byChan")
	}
	if _, ok := sender.callbacks[7]; ok {
		t.Error("expired channel's mux callback must be unregistered")
	}
}

func TestRecvAndDispatchRegistersReplyCallbackOnNewChannel(t *testing.T) {
	sender := &fakeUDPSender{}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	u := &UDPAccepter{
		mux:    sender,
		eng:    allowAllEngine(),
		log:    nil,
		conn:   conn,
		bySrc:  make(map[string]*udpFlow),
		byChan: make(map[uint16]*net.UDPAddr),
		idle:   30 * time.Second,
	}

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 1500)
	if err := u.RecvAndDispatch(buf); err != nil {
		t.Fatalf("RecvAndDispatch: %v", err)
	}

	cb, ok := sender.callbacks[1]
	if !ok {
		t.Fatal("expected a reply callback registered for the newly allocated channel")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	cb(mux.CmdUDPData, []byte(client.LocalAddr().(*net.UDPAddr).IP.String()+","+strconv.Itoa(client.LocalAddr().(*net.UDPAddr).Port)+",pong"))

	reply := make([]byte, 16)
	n, err := client.Read(reply)
	if err != nil {
		t.Fatalf("client.Read: %v", err)
	}
	if string(reply[:n]) != "pong" {
		t.Errorf("client received %q, want pong", reply[:n])
	}
}

func TestExpireIdleLeavesFreshFlowsAlone(t *testing.T) {
	sender := &fakeUDPSender{}
	u := &UDPAccepter{
		mux:    sender,
		bySrc:  make(map[string]*udpFlow),
		byChan: make(map[uint16]*net.UDPAddr),
		idle:   30 * time.Second,
	}

	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.6"), Port: 40001}
	u.bySrc[src.String()] = &udpFlow{channel: 9, expiry: time.Now().Add(time.Minute)}
	u.byChan[9] = src

	u.ExpireIdle(time.Now())

	if len(sender.sent) != 0 {
		t.Fatalf("expected no frames for a flow that is not yet idle, got %v", sender.sent)
	}
	if _, ok := u.bySrc[src.String()]; !ok {
		t.Error("a fresh flow must not be removed")
	}
}

func TestExpireIdleHandlesMultipleExpiredFlowsIndependently(t *testing.T) {
	sender := &fakeUDPSender{}
	u := &UDPAccepter{
		mux:    sender,
		bySrc:  make(map[string]*udpFlow),
		byChan: make(map[uint16]*net.UDPAddr),
		idle:   30 * time.Second,
	}

	srcA := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	srcB := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 2}
	u.bySrc[srcA.String()] = &udpFlow{channel: 1, expiry: time.Now().Add(-time.Second)}
	u.byChan[1] = srcA
	u.bySrc[srcB.String()] = &udpFlow{channel: 2, expiry: time.Now().Add(-time.Second)}
	u.byChan[2] = srcB

	u.ExpireIdle(time.Now())

	if len(sender.sent) != 2 {
		t.Fatalf("emitted %d frames, want 2 (one UDP_CLOSE per expired flow)", len(sender.sent))
	}
	seen := map[uint16]bool{}
	for _, f := range sender.sent {
		if f.cmd != mux.CmdUDPClose {
			t.Errorf("unexpected command %v", f.cmd)
		}
		seen[f.channel] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("expected UDP_CLOSE for both channels 1 and 2, got %v", sender.sent)
	}
}
