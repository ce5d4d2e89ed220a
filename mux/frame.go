// Package mux implements the wire codec and channel multiplexer for the
// single duplex byte stream shared with the relay. Every logical TCP
// connection, UDP flow, and DNS exchange rides this stream on a short
// integer channel id.
package mux

import (
	"encoding/binary"
	"fmt"
)

// Magic is a fixed 16-bit value that must prefix every frame. A mismatch
// is fatal on that stream: the two ends have lost synchronization.
const Magic uint16 = 0x5348 // "SH"

// headerLen is magic(2) + cmd(2) + channel(2) + length(2).
const headerLen = 8

// MaxPayload bounds a single frame's payload so a corrupt length field
// cannot make the decoder allocate unboundedly.
const MaxPayload = 1 << 20

// Command names a frame's purpose. Values are stable across the wire.
type Command uint16

const (
	CmdExit Command = iota
	CmdTCPConnect
	CmdTCPStopSending
	CmdTCPEOF
	CmdTCPData
	CmdRoutes
	CmdHostReq
	CmdHostList
	CmdDNSReq
	CmdDNSResponse
	CmdUDPOpen
	CmdUDPData
	CmdUDPClose
	CmdPing
	CmdPong
)

func (c Command) String() string {
	switch c {
	case CmdExit:
		return "EXIT"
	case CmdTCPConnect:
		return "TCP_CONNECT"
	case CmdTCPStopSending:
		return "TCP_STOP_SENDING"
	case CmdTCPEOF:
		return "TCP_EOF"
	case CmdTCPData:
		return "TCP_DATA"
	case CmdRoutes:
		return "ROUTES"
	case CmdHostReq:
		return "HOST_REQ"
	case CmdHostList:
		return "HOST_LIST"
	case CmdDNSReq:
		return "DNS_REQ"
	case CmdDNSResponse:
		return "DNS_RESPONSE"
	case CmdUDPOpen:
		return "UDP_OPEN"
	case CmdUDPData:
		return "UDP_DATA"
	case CmdUDPClose:
		return "UDP_CLOSE"
	case CmdPing:
		return "PING"
	case CmdPong:
		return "PONG"
	default:
		return fmt.Sprintf("CMD(%d)", uint16(c))
	}
}

// Frame is one unit of the wire protocol: a fixed header followed by
// length payload bytes. All integers are big-endian.
type Frame struct {
	Cmd     Command
	Channel uint16
	Payload []byte
}

// Encode appends f's wire representation to dst and returns the result.
func Encode(dst []byte, f Frame) []byte {
	var hdr [headerLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], Magic)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(f.Cmd))
	binary.BigEndian.PutUint16(hdr[4:6], f.Channel)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Payload...)
	return dst
}

// decoder incrementally reassembles frames out of bytes fed to it across
// however many reads the event loop's readiness ticks deliver. Feed may be
// called with zero or more bytes at a time; it returns every frame that
// became complete as a result.
type decoder struct {
	buf []byte
}

func (d *decoder) feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)
	var frames []Frame
	for {
		if len(d.buf) < headerLen {
			break
		}
		magic := binary.BigEndian.Uint16(d.buf[0:2])
		if magic != Magic {
			return frames, fmt.Errorf("mux: bad frame magic %#x", magic)
		}
		length := int(binary.BigEndian.Uint16(d.buf[6:8]))
		if length > MaxPayload {
			return frames, fmt.Errorf("mux: frame length %d exceeds max %d", length, MaxPayload)
		}
		total := headerLen + length
		if len(d.buf) < total {
			break
		}
		cmd := Command(binary.BigEndian.Uint16(d.buf[2:4]))
		channel := binary.BigEndian.Uint16(d.buf[4:6])
		payload := make([]byte, length)
		copy(payload, d.buf[headerLen:total])
		frames = append(frames, Frame{Cmd: cmd, Channel: channel, Payload: payload})
		d.buf = d.buf[total:]
	}
	// Compact: avoid an ever-growing backing array once everything is consumed.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}
