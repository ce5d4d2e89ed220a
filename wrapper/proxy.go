package wrapper

// Proxy ties two wrappers into a bidirectional pump with independent
// half-close per direction. Pump is called by the event loop once per
// iteration; it is cheap to call even when nothing is ready, since each
// direction is a no-op once its source is empty or its sink is shut.
type Proxy struct {
	A, B Wrapper
}

// NewProxy pairs two wrappers.
func NewProxy(a, b Wrapper) *Proxy {
	return &Proxy{A: a, B: b}
}

// Pump drains whatever is currently buffered in each direction. On a
// source EOF (no more bytes ever, i.e. ReadShut), the sink's write half
// is shut. On a sink write error, the source's read half is shut, so the
// same condition propagates back upstream on the next Pump.
func (p *Proxy) Pump() {
	pumpOne(p.A, p.B)
	pumpOne(p.B, p.A)
}

func pumpOne(src, dst Wrapper) {
	if src.ReadShut() && dst.WriteShut() {
		return
	}
	chunk := src.ReadChunk()
	if len(chunk) > 0 && !dst.WriteShut() {
		n, err := dst.Write(chunk)
		if err != nil {
			src.ShutRead()
			return
		}
		if n > 0 {
			src.Consume(n)
		}
	}
	if src.ReadShut() && len(src.ReadChunk()) == 0 {
		dst.ShutWrite()
	}
}

// Done reports whether both directions have reached terminal state: the
// condition under which the Proxy (and its handler entry) should be
// deregistered from the event loop's handler list.
func (p *Proxy) Done() bool {
	return Terminal(p.A) && Terminal(p.B)
}
