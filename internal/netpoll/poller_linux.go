//go:build linux

package netpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller is an epoll-backed Notifier. The listener fd is registered
// edge-triggered (EPOLLET) per spec.md §6; client fds stay
// level-triggered, matching the raw-epoll reference server's per-fd
// EPOLLIN registration pattern for ordinary connections.
type Poller struct {
	epfd   int
	events []unix.EpollEvent
}

// New creates an epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd, events: make([]unix.EpollEvent, 256)}, nil
}

func (p *Poller) ctl(op int, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl(op=%d, fd=%d): %w", op, fd, err)
	}
	return nil
}

// SubscribeListenerRead registers the listener fd edge-triggered, per
// spec.md §6's interface table. Callers (acceptDrain) must drain
// accept(2) to EAGAIN on every notification since a later connection
// arriving while one is already pending raises no further event.
func (p *Poller) SubscribeListenerRead(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN|unix.EPOLLET)
}

// SubscribeRead registers fd for level-triggered read + peer-hangup
// notifications.
func (p *Poller) SubscribeRead(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN|unix.EPOLLRDHUP)
}

// SubscribeWrite registers fd (the write-alias fd per spec.md §4.4) for
// writable notifications. This is a distinct epoll registration — ADD,
// not MOD — because the alias is a separate fd (a dup of the client's
// socket), so there is no existing interest on it to merge with.
func (p *Poller) SubscribeWrite(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLOUT|unix.EPOLLRDHUP)
}

// UnsubscribeWrite deregisters the write-alias fd entirely. There is no
// "downgrade" operation because SubscribeWrite always ADDs a brand new
// alias fd; removing its only interest is equivalent to dropping the
// registration.
func (p *Poller) UnsubscribeWrite(fd int) error {
	return p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

// UnsubscribeAll removes every registration for fd.
func (p *Poller) UnsubscribeAll(fd int) error {
	return p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

// Wait blocks for the next batch of ready events.
func (p *Poller) Wait(timeoutMillis int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("netpoll: epoll_wait: %w", err)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		var mask EventMask
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			mask |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			mask |= Writable
		}
		if mask == 0 {
			// Errors (EPOLLERR/EPOLLHUP) surface as readable so the
			// owning read/write step observes the failing syscall and
			// tears the connection down through the normal path.
			mask = Readable
		}
		out = append(out, Event{FD: int(ev.Fd), Events: mask})
	}
	return out, nil
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
