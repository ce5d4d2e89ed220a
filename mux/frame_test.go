package mux

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Cmd: CmdTCPConnect, Channel: 1, Payload: []byte("2,93.184.216.34,80")},
		{Cmd: CmdTCPData, Channel: 42, Payload: bytes.Repeat([]byte{0xAB}, 300)},
		{Cmd: CmdTCPEOF, Channel: 7, Payload: nil},
		{Cmd: CmdUDPClose, Channel: 65535, Payload: []byte{}},
	}
	for _, want := range cases {
		var d decoder
		buf := Encode(nil, want)
		frames, err := d.feed(buf)
		if err != nil {
			t.Fatalf("feed(%v): %v", want, err)
		}
		if len(frames) != 1 {
			t.Fatalf("feed(%v): got %d frames, want 1", want, len(frames))
		}
		got := frames[0]
		if got.Cmd != want.Cmd || got.Channel != want.Channel || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecoderFeedAcrossMultipleReads(t *testing.T) {
	var d decoder
	f := Frame{Cmd: CmdTCPData, Channel: 3, Payload: []byte("hello world")}
	buf := Encode(nil, f)

	var got []Frame
	for _, b := range buf {
		frames, err := d.feed([]byte{b})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 {
		t.Fatalf("got %d frames across byte-at-a-time feed, want 1", len(got))
	}
	if !bytes.Equal(got[0].Payload, f.Payload) {
		t.Errorf("payload mismatch: got %q, want %q", got[0].Payload, f.Payload)
	}
}

func TestDecoderFeedTwoFramesInOneChunk(t *testing.T) {
	var d decoder
	f1 := Frame{Cmd: CmdPing, Channel: 0, Payload: nil}
	f2 := Frame{Cmd: CmdPong, Channel: 0, Payload: []byte("x")}
	buf := Encode(Encode(nil, f1), f2)

	frames, err := d.feed(buf)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Cmd != CmdPing || frames[1].Cmd != CmdPong {
		t.Errorf("frames out of order: %+v", frames)
	}
}

func TestDecoderRejectsBadMagic(t *testing.T) {
	var d decoder
	buf := Encode(nil, Frame{Cmd: CmdPing, Channel: 0})
	buf[0] ^= 0xFF // corrupt the magic
	if _, err := d.feed(buf); err == nil {
		t.Fatal("expected an error for a corrupted magic value, got nil")
	}
}
