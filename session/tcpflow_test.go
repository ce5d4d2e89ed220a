//go:build linux

package session

import (
	"net"
	"testing"
	"time"

	"github.com/pylan/sshuttle/mux"
)

type fakeFlowSender struct {
	sent []sentFlowFrame
}

type sentFlowFrame struct {
	channel uint16
	cmd     mux.Command
	payload []byte
}

func (f *fakeFlowSender) Send(channel uint16, cmd mux.Command, payload []byte) {
	f.sent = append(f.sent, sentFlowFrame{channel, cmd, payload})
}

func tcpConnPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan *net.TCPConn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptedCh <- c.(*net.TCPConn)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	select {
	case server := <-acceptedCh:
		return server, client.(*net.TCPConn)
	case err := <-errCh:
		t.Fatalf("Accept: %v", err)
	}
	return nil, nil
}

func TestTCPFlowMuxCallbackFeedsDataOnTCPData(t *testing.T) {
	server, client := tcpConnPair(t)
	defer client.Close()

	sender := &fakeFlowSender{}
	flow, err := newTCPFlow(server, 5, net.ParseIP("10.0.0.1"), 80, "cid-1", sender, nil)
	if err != nil {
		t.Fatalf("newTCPFlow: %v", err)
	}

	flow.muxCallback(mux.CmdTCPData, []byte("hello"))
	flow.OnWritable()

	buf := make([]byte, 16)
	client.SetDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client.Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("client read %q, want hello", buf[:n])
	}
}

func TestTCPFlowMuxCallbackEOFHalfClosesWithoutResetting(t *testing.T) {
	server, client := tcpConnPair(t)
	defer client.Close()

	sender := &fakeFlowSender{}
	flow, err := newTCPFlow(server, 6, net.ParseIP("10.0.0.1"), 80, "cid-2", sender, nil)
	if err != nil {
		t.Fatalf("newTCPFlow: %v", err)
	}

	flow.muxCallback(mux.CmdTCPEOF, nil)
	flow.OnWritable()

	buf := make([]byte, 4)
	client.SetDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if n != 0 {
		t.Errorf("expected no data on a bare EOF, got %d bytes", n)
	}
	if err == nil {
		t.Error("expected the client to observe EOF once the server half-closes")
	}
}

func TestTCPFlowStopSendingPausesWithoutClosing(t *testing.T) {
	server, client := tcpConnPair(t)
	defer client.Close()
	defer server.Close()

	sender := &fakeFlowSender{}
	flow, err := newTCPFlow(server, 8, net.ParseIP("10.0.0.1"), 80, "cid-4", sender, nil)
	if err != nil {
		t.Fatalf("newTCPFlow: %v", err)
	}

	flow.muxCallback(mux.CmdTCPStopSending, nil)
	if !flow.paused {
		t.Fatal("expected TCP_STOP_SENDING to pause the flow")
	}

	client.SetDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatalf("client.Write: %v", err)
	}
	flow.OnReadable()

	for _, f := range sender.sent {
		if f.cmd == mux.CmdTCPEOF {
			t.Fatal("TCP_STOP_SENDING must not produce a TCP_EOF")
		}
	}
	if flow.sock.ReadShut() {
		t.Error("pausing must not mark the socket's read half shut")
	}

	flow.resume()
	if flow.paused {
		t.Error("resume must clear the pause")
	}
}

func TestTCPFlowMuxCallbackUnknownCommandResets(t *testing.T) {
	server, client := tcpConnPair(t)
	defer client.Close()

	sender := &fakeFlowSender{}
	flow, err := newTCPFlow(server, 7, net.ParseIP("10.0.0.1"), 80, "cid-3", sender, nil)
	if err != nil {
		t.Fatalf("newTCPFlow: %v", err)
	}

	flow.muxCallback(mux.Command(0xFF), nil)

	if flow.muxW == nil {
		t.Fatal("expected a non-nil MuxWrapper")
	}
	if flow.muxW.OK() {
		t.Error("an unknown command should reset the MuxWrapper (OK() == false)")
	}
}

