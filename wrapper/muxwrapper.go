package wrapper

import (
	"github.com/pylan/sshuttle/mux"
)

// Sender is the subset of *mux.Mux a MuxWrapper needs; isolated as an
// interface so the proxy/listener packages can unit test against a fake.
type Sender interface {
	Send(channel uint16, cmd mux.Command, payload []byte)
}

// MuxWrapper adapts one channel of the Mux to the Wrapper interface.
// Inbound bytes arrive via Feed, called from the channel's registered
// Mux callback; outbound bytes are sent as TCP_DATA frames.
type MuxWrapper struct {
	m       Sender
	channel uint16

	pending   []byte
	shutRead  bool
	shutWrite bool
	ok        bool
}

// NewMuxWrapper binds a wrapper to channel on m. The caller is
// responsible for calling m.Register(channel, w.Feed-based callback)
// itself, since registration also needs to dispatch non-data commands
// (TCP_EOF, TCP_STOP_SENDING) that don't belong to the Wrapper interface.
func NewMuxWrapper(m Sender, channel uint16) *MuxWrapper {
	return &MuxWrapper{m: m, channel: channel, ok: true}
}

// Feed appends inbound TCP_DATA payload bytes for this channel.
func (w *MuxWrapper) Feed(payload []byte) {
	if w.shutRead {
		return
	}
	w.pending = append(w.pending, payload...)
}

// OnEOF marks the read half closed on receipt of a TCP_EOF frame.
func (w *MuxWrapper) OnEOF() { w.shutRead = true }

// OnReset marks the wrapper fatally broken, e.g. on an unexpected
// channel teardown from the relay side.
func (w *MuxWrapper) OnReset() {
	w.ok = false
	w.shutRead = true
	w.shutWrite = true
}

func (w *MuxWrapper) ReadChunk() []byte { return w.pending }

func (w *MuxWrapper) Consume(n int) {
	w.pending = w.pending[:copy(w.pending, w.pending[n:])]
}

func (w *MuxWrapper) Write(p []byte) (int, error) {
	if w.shutWrite {
		return 0, nil
	}
	w.m.Send(w.channel, mux.CmdTCPData, p)
	return len(p), nil
}

func (w *MuxWrapper) ShutRead() { w.shutRead = true }

func (w *MuxWrapper) ShutWrite() {
	if w.shutWrite {
		return
	}
	w.shutWrite = true
	w.m.Send(w.channel, mux.CmdTCPEOF, nil)
}

func (w *MuxWrapper) ReadShut() bool  { return w.shutRead }
func (w *MuxWrapper) WriteShut() bool { return w.shutWrite }
func (w *MuxWrapper) OK() bool        { return w.ok }
func (w *MuxWrapper) Alive() bool     { return !(w.shutRead && w.shutWrite) }

// Channel returns the bound channel id.
func (w *MuxWrapper) Channel() uint16 { return w.channel }
