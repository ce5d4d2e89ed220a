package mux

import (
	"errors"
	"io"
	"sync"
)

// ControlChannel is reserved for host-list requests/replies and route
// announcements; no data-plane flow may allocate it.
const ControlChannel uint16 = 0

// numChannels is the size of the 16-bit channel id space.
const numChannels = 1 << 16

// ErrChannelTableFull is returned by NextChannel when every id is in use.
var ErrChannelTableFull = errors.New("mux: channel table full")

// Callback is invoked once per inbound frame addressed to a registered
// channel. It must not block: the event loop calls it synchronously from
// Tick.
type Callback func(cmd Command, payload []byte)

// Mux owns the single relay byte stream and demultiplexes it into
// per-channel callbacks. It never blocks the caller: Send only enqueues,
// and Tick is only ever invoked by the event loop once readiness has been
// established on the underlying stream.
type Mux struct {
	mu sync.Mutex

	stream io.ReadWriter

	next    uint16
	inUse   [numChannels / 64]uint64 // bitset
	callbacks map[uint16]Callback

	dec     decoder
	outbox  []byte
	highWater int
	lowWater  int
	full      bool

	// Dropped counts frames addressed to a channel with no registered
	// callback. Not fatal, logged by the caller.
	Dropped uint64
}

// New constructs a Mux over stream with the given backpressure
// high/low-water marks, in bytes of unflushed outbound data.
func New(stream io.ReadWriter, highWater, lowWater int) *Mux {
	return &Mux{
		stream:    stream,
		callbacks: make(map[uint16]Callback),
		highWater: highWater,
		lowWater:  lowWater,
	}
}

// SetStream (re)binds the underlying stream. Channel allocation and
// registration don't touch the stream, so a Mux may be constructed
// before the relay connects (to bind listeners first, per §4.7 step 1)
// and given its real stream once the handshake completes, just before
// the event loop starts calling Tick.
func (m *Mux) SetStream(stream io.ReadWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = stream
}

func (m *Mux) bitSet(id uint16) bool {
	return m.inUse[id/64]&(1<<(id%64)) != 0
}

func (m *Mux) setBit(id uint16, v bool) {
	if v {
		m.inUse[id/64] |= 1 << (id % 64)
	} else {
		m.inUse[id/64] &^= 1 << (id % 64)
	}
}

// NextChannel returns a free channel id, allocated by a rolling counter
// that skips ids still in use, or ErrChannelTableFull when saturated.
// Id 0 (ControlChannel) is never returned.
func (m *Mux) NextChannel() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.next
	for {
		id := m.next
		m.next++
		if m.next == ControlChannel {
			m.next++
		}
		if id != ControlChannel && !m.bitSet(id) {
			m.setBit(id, true)
			return id, nil
		}
		if m.next == start {
			return 0, ErrChannelTableFull
		}
	}
}

// Register installs cb as the handler for inbound frames on id. Exactly
// one callback may be registered per channel at a time.
func (m *Mux) Register(id uint16, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setBit(id, true)
	m.callbacks[id] = cb
}

// Unregister frees id and removes its callback. The id becomes eligible
// for reuse by NextChannel.
func (m *Mux) Unregister(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, id)
	if id != ControlChannel {
		m.setBit(id, false)
	}
}

// Send enqueues a frame for the given channel. It never blocks; bytes are
// flushed opportunistically by Tick. Callers that feed the outbound
// stream (TCP accept sockets) should watch Full() and apply their own
// backpressure accordingly.
func (m *Mux) Send(id uint16, cmd Command, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = Encode(m.outbox, Frame{Cmd: cmd, Channel: id, Payload: payload})
	if len(m.outbox) >= m.highWater {
		m.full = true
	}
}

// Full reports whether the outbound buffer is above its high-water mark.
// The session manager uses this to trigger TCP_STOP_SENDING / pause
// reading from accept sockets ("latency control").
func (m *Mux) Full() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}

// PendingWrite reports whether there are unflushed outbound bytes, for
// the event loop to decide whether to watch the stream fd for
// writability.
func (m *Mux) PendingWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbox) > 0
}

// Tick is invoked by the event loop when the stream fd is ready. If
// readable, it drains up to maxReadChunk bytes and dispatches every
// frame that becomes complete. If writable, it flushes as much of the
// outbox as the stream accepts.
func (m *Mux) Tick(readable, writable bool) error {
	if writable {
		if err := m.flush(); err != nil {
			return err
		}
	}
	if readable {
		if err := m.drain(); err != nil {
			return err
		}
	}
	return nil
}

const maxReadChunk = 64 * 1024

func (m *Mux) drain() error {
	buf := make([]byte, maxReadChunk)
	n, err := m.stream.Read(buf)
	if n > 0 {
		m.mu.Lock()
		frames, decErr := m.dec.feed(buf[:n])
		m.mu.Unlock()
		for _, f := range frames {
			m.dispatch(f)
		}
		if decErr != nil {
			return decErr
		}
	}
	if err != nil && err != io.EOF {
		return err
	}
	if err == io.EOF {
		return io.EOF
	}
	return nil
}

func (m *Mux) dispatch(f Frame) {
	m.mu.Lock()
	cb, ok := m.callbacks[f.Channel]
	if !ok {
		m.Dropped++
	}
	m.mu.Unlock()
	if !ok {
		// Frames on an unknown channel are logged by the caller (it owns
		// the logger) and otherwise ignored; other channels are unaffected.
		return
	}
	cb(f.Cmd, f.Payload)
}

func (m *Mux) flush() error {
	m.mu.Lock()
	buf := m.outbox
	m.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}
	n, err := m.stream.Write(buf)
	m.mu.Lock()
	m.outbox = m.outbox[:copy(m.outbox, m.outbox[n:])]
	if len(m.outbox) < m.lowWater {
		m.full = false
	}
	m.mu.Unlock()
	return err
}
