package domain

// EventType is a bitset of readiness conditions, independent of the
// underlying reactor (epoll on Linux).
type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x2
)

// EventHandler is notified when one of its registered file descriptors
// becomes ready. A session implements this once and dispatches internally
// on which of its own fds fired and what state it is in.
type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

// EventLoop is the single-threaded reactor every fd in the process is
// registered with. There is exactly one EventLoop per running daemon.
type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// FDIndex is how the top-level dispatcher finds the EventHandler owning a
// ready fd. Sessions bind every fd they come to own (client, remote,
// listener, UDP) and unbind them all on termination.
type FDIndex interface {
	BindFD(fd int, handler EventHandler)
	UnbindFD(fd int)
}

// Resolver turns a literal address or a domain name into an Endpoint
// without blocking the reactor thread.
type Resolver interface {
	Resolve(kind Kind, host string, port uint16, cb func(Endpoint, error)) error
}
