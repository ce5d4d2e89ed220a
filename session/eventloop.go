//go:build linux

package session

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/pylan/sshuttle"
)

// Handler is one registered fd in the event loop. OnReadable/OnWritable
// are only called when epoll reports the corresponding readiness; Done
// reports whether the handler should be deregistered and removed on the
// next compaction pass (§4.4: "a handler signals done so the loop can
// compact the list between iterations").
type Handler interface {
	FD() int
	OnReadable()
	OnWritable()
	Done() bool
}

// EventLoop is the single-threaded, readiness-driven dispatch loop
// described in §4.4. All blocking I/O in the main context is preceded by
// an epoll wait with a bounded timeout, so expire_connections runs at
// least every pollTimeout.
type EventLoop struct {
	epfd        int
	pollTimeout time.Duration

	handlers map[int]Handler
	write    map[int]bool // fds currently registered for EPOLLOUT too

	// expireFn runs once per iteration before polling, implementing
	// expire_connections(now): reaping DNS/UDP channels and
	// re-validating every live TCP flow against the ACL engine.
	expireFn func(now time.Time)

	// exited reports whether the server subprocess (the relay shell)
	// has exited; checked first each iteration, per §4.4 step 1.
	exited func() bool
}

// NewEventLoop creates the epoll instance backing the loop.
func NewEventLoop(pollTimeout time.Duration, expireFn func(now time.Time), exited func() bool) (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &EventLoop{
		epfd:        epfd,
		pollTimeout: pollTimeout,
		handlers:    make(map[int]Handler),
		write:       make(map[int]bool),
		expireFn:    expireFn,
		exited:      exited,
	}, nil
}

// Register adds h, polling for readability (and, if wantWrite, also
// writability).
func (l *EventLoop) Register(h Handler, wantWrite bool) error {
	events := uint32(unix.EPOLLIN)
	if wantWrite {
		events |= unix.EPOLLOUT
		l.write[h.FD()] = true
	}
	l.handlers[h.FD()] = h
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, h.FD(), &unix.EpollEvent{Events: events, Fd: int32(h.FD())})
}

// SetWritable toggles EPOLLOUT interest for an already-registered fd.
// Nothing in this package calls it: the mux stream is registered without
// EPOLLOUT and its outbox is flushed from muxHandler.OnReadable.
func (l *EventLoop) SetWritable(fd int, want bool) error {
	events := uint32(unix.EPOLLIN)
	if want {
		events |= unix.EPOLLOUT
	}
	l.write[fd] = want
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Unregister removes fd from the poll set.
func (l *EventLoop) Unregister(fd int) {
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(l.handlers, fd)
	delete(l.write, fd)
}

// Run blocks forever (or until ErrRelayExited / an epoll error), driving
// one iteration of §4.4's five steps per pass.
func (l *EventLoop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		if l.exited != nil && l.exited() {
			return sshuttle.ErrRelayExited
		}

		l.expireFn(time.Now())

		n, err := unix.EpollWait(l.epfd, events, int(l.pollTimeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			h, ok := l.handlers[fd]
			if !ok {
				continue
			}
			if events[i].Events&unix.EPOLLIN != 0 {
				h.OnReadable()
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				h.OnWritable()
			}
		}

		l.compact()
	}
}

// compact removes every handler that reports Done, releasing its fd from
// epoll.
func (l *EventLoop) compact() {
	for fd, h := range l.handlers {
		if h.Done() {
			l.Unregister(fd)
		}
	}
}

// Close releases the epoll fd.
func (l *EventLoop) Close() error {
	return unix.Close(l.epfd)
}
