package wrapper

import (
	"testing"

	"github.com/pylan/sshuttle/mux"
)

// fakeSender records every frame handed to Send, standing in for *mux.Mux.
type fakeSender struct {
	sent []sentFrame
}

type sentFrame struct {
	channel uint16
	cmd     mux.Command
	payload []byte
}

func (f *fakeSender) Send(channel uint16, cmd mux.Command, payload []byte) {
	f.sent = append(f.sent, sentFrame{channel, cmd, payload})
}

func TestMuxWrapperWriteSendsTCPData(t *testing.T) {
	s := &fakeSender{}
	w := NewMuxWrapper(s, 7)

	n, err := w.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if len(s.sent) != 1 || s.sent[0].cmd != mux.CmdTCPData || s.sent[0].channel != 7 {
		t.Fatalf("unexpected sent frames: %+v", s.sent)
	}
}

func TestMuxWrapperShutWriteSendsTCPEOFExactlyOnce(t *testing.T) {
	s := &fakeSender{}
	w := NewMuxWrapper(s, 1)

	w.ShutWrite()
	w.ShutWrite() // idempotent: must not send a second TCP_EOF

	count := 0
	for _, f := range s.sent {
		if f.cmd == mux.CmdTCPEOF {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one TCP_EOF, got %d", count)
	}
	if !w.WriteShut() {
		t.Fatal("expected WriteShut() to report true")
	}
}

func TestMuxWrapperFeedAndConsume(t *testing.T) {
	w := NewMuxWrapper(&fakeSender{}, 1)
	w.Feed([]byte("abc"))
	w.Feed([]byte("def"))
	if got := string(w.ReadChunk()); got != "abcdef" {
		t.Fatalf("ReadChunk = %q, want abcdef", got)
	}
	w.Consume(3)
	if got := string(w.ReadChunk()); got != "def" {
		t.Fatalf("ReadChunk after Consume = %q, want def", got)
	}
}

func TestMuxWrapperFeedAfterShutReadIsDropped(t *testing.T) {
	w := NewMuxWrapper(&fakeSender{}, 1)
	w.OnEOF()
	w.Feed([]byte("late"))
	if len(w.ReadChunk()) != 0 {
		t.Fatal("Feed after OnEOF should be dropped, not buffered")
	}
}

func TestMuxWrapperOnResetMarksTerminalAndNotOK(t *testing.T) {
	w := NewMuxWrapper(&fakeSender{}, 1)
	w.OnReset()
	if w.OK() {
		t.Fatal("expected OK() == false after OnReset")
	}
	if !Terminal(w) {
		t.Fatal("expected both halves shut after OnReset")
	}
}
