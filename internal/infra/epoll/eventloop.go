// Package epoll is the single-threaded reactor every session, listener
// and the resolver run on top of. It generalizes the teacher's
// edge-triggered LinuxEventLoop to level-triggered registration: every
// ready byte generates a readiness notification on every wait, which
// removes the need for a read-until-EAGAIN loop at each call site (the
// teacher's own edge-triggered registration never added that loop
// either, so switching to level-triggered fixes a latent bug rather than
// discarding an exercised behavior).
package epoll

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/CXDXVR/socks-proxy/internal/domain"
)

// Loop is a thin wrapper over a single Linux epoll instance.
type Loop struct {
	epollFD int
}

// New creates the underlying epoll instance.
func New() (*Loop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Loop{epollFD: fd}, nil
}

func toEpollMask(events domain.EventType) uint32 {
	var m uint32
	if events&domain.EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if events&domain.EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

// Register starts watching fd for events.
func (l *Loop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

// Modify changes the event mask fd is watched for.
func (l *Loop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

// Unregister stops watching fd. It is not an error to call this on an fd
// that has already been closed (EBADF/ENOENT are swallowed) since Stop
// paths close fds before or while unregistering them.
func (l *Loop) Unregister(fd int) error {
	err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	return err
}

// Run drives the reactor until Stop closes the epoll fd (it then returns
// nil) or EpollWait fails with any other error (it returns that error).
// An error returned by handler is printed and the loop continues; it
// never ends Run.
func (l *Loop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 256)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EBADF {
				return nil // Stop closed the epoll fd; graceful shutdown.
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events

			var ev domain.EventType
			if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				ev |= domain.EventRead
			}
			if mask&unix.EPOLLOUT != 0 {
				ev |= domain.EventWrite
			}

			if err := handler.HandleEvent(fd, ev); err != nil {
				fmt.Printf("epoll: handler error for fd %d: %v\n", fd, err)
			}
		}
	}
}

// Stop closes the epoll fd, which unblocks EpollWait with EBADF on the
// next iteration so Run returns.
func (l *Loop) Stop() {
	unix.Close(l.epollFD)
}
