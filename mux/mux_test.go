package mux

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// loopStream is an io.ReadWriter backed by two independent byte buffers,
// so Tick's read and write sides can be exercised without a real socket.
type loopStream struct {
	toRead  *bytes.Buffer
	written bytes.Buffer
}

func (s *loopStream) Read(p []byte) (int, error) {
	if s.toRead.Len() == 0 {
		return 0, io.EOF
	}
	return s.toRead.Read(p)
}

func (s *loopStream) Write(p []byte) (int, error) {
	return s.written.Write(p)
}

func TestNextChannelNeverReturnsControlChannel(t *testing.T) {
	m := New(&loopStream{toRead: new(bytes.Buffer)}, 1<<20, 1<<19)
	for i := 0; i < 10; i++ {
		id, err := m.NextChannel()
		if err != nil {
			t.Fatalf("NextChannel: %v", err)
		}
		if id == ControlChannel {
			t.Fatalf("NextChannel returned the reserved control channel")
		}
	}
}

func TestChannelTableFullDropsAcceptButLeavesOthersAlone(t *testing.T) {
	m := New(&loopStream{toRead: new(bytes.Buffer)}, 1<<20, 1<<19)

	// Fill every non-zero channel id.
	for i := 0; i < numChannels-1; i++ {
		if _, err := m.NextChannel(); err != nil {
			t.Fatalf("NextChannel #%d: %v", i, err)
		}
	}
	if _, err := m.NextChannel(); !errors.Is(err, ErrChannelTableFull) {
		t.Fatalf("expected ErrChannelTableFull, got %v", err)
	}

	// An existing channel's registration is unaffected by the failed
	// allocation attempt.
	var got Command = Command(9999)
	m.Register(1, func(cmd Command, payload []byte) { got = cmd })
	m.dispatch(Frame{Cmd: CmdPing, Channel: 1})
	if got != CmdPing {
		t.Errorf("existing channel's callback was disturbed by a full table: got %v", got)
	}
}

func TestUnregisterFreesChannelForReuse(t *testing.T) {
	m := New(&loopStream{toRead: new(bytes.Buffer)}, 1<<20, 1<<19)
	id, err := m.NextChannel()
	if err != nil {
		t.Fatalf("NextChannel: %v", err)
	}
	m.Register(id, func(Command, []byte) {})
	m.Unregister(id)

	if m.bitSet(id) {
		t.Fatalf("bit for unregistered channel %d still set", id)
	}
	if _, ok := m.callbacks[id]; ok {
		t.Fatalf("callback for unregistered channel %d still present", id)
	}
}

func TestDispatchToUnknownChannelDoesNotDisturbOthers(t *testing.T) {
	m := New(&loopStream{toRead: new(bytes.Buffer)}, 1<<20, 1<<19)

	var calls []uint16
	m.Register(1, func(Command, []byte) { calls = append(calls, 1) })
	m.Register(2, func(Command, []byte) { calls = append(calls, 2) })

	m.dispatch(Frame{Cmd: CmdPing, Channel: 999})
	m.dispatch(Frame{Cmd: CmdPing, Channel: 1})
	m.dispatch(Frame{Cmd: CmdPing, Channel: 2})

	if m.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", m.Dropped)
	}
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Errorf("channels 1 and 2 should both have fired exactly once: got %v", calls)
	}
}

func TestSendFlushAndFullLowWaterHysteresis(t *testing.T) {
	stream := &loopStream{toRead: new(bytes.Buffer)}
	m := New(stream, 10, 2) // tiny water marks to exercise the boundary cheaply

	m.Send(1, CmdTCPData, []byte("0123456789ABCDE")) // > highWater once encoded
	if !m.Full() {
		t.Fatal("expected Full() after exceeding the high-water mark")
	}
	if !m.PendingWrite() {
		t.Fatal("expected PendingWrite() before any flush")
	}

	if err := m.Tick(false, true); err != nil {
		t.Fatalf("Tick(write): %v", err)
	}
	if m.PendingWrite() {
		t.Fatal("expected no pending bytes after a full flush to an unbounded buffer")
	}
	if m.Full() {
		t.Fatal("expected Full() to clear once the outbox drains below the low-water mark")
	}

	frames, err := (&decoder{}).feed(stream.written.Bytes())
	if err != nil {
		t.Fatalf("decoding flushed bytes: %v", err)
	}
	if len(frames) != 1 || frames[0].Channel != 1 || frames[0].Cmd != CmdTCPData {
		t.Fatalf("unexpected flushed frame(s): %+v", frames)
	}
}

func TestTickReadDispatchesCompleteFrames(t *testing.T) {
	toRead := new(bytes.Buffer)
	toRead.Write(Encode(nil, Frame{Cmd: CmdTCPConnect, Channel: 5, Payload: []byte("2,1.2.3.4,80")}))
	stream := &loopStream{toRead: toRead}
	m := New(stream, 1<<20, 1<<19)

	var got Frame
	seen := false
	m.Register(5, func(cmd Command, payload []byte) {
		got = Frame{Cmd: cmd, Channel: 5, Payload: payload}
		seen = true
	})

	if err := m.Tick(true, false); err != nil {
		t.Fatalf("Tick(read): %v", err)
	}
	if !seen {
		t.Fatal("expected the registered callback to fire")
	}
	if got.Cmd != CmdTCPConnect || string(got.Payload) != "2,1.2.3.4,80" {
		t.Errorf("unexpected dispatched frame: %+v", got)
	}
}
