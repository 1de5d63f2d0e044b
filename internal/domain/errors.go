package domain

import "errors"

// Category groups a session-terminating error by the §7 taxonomy so
// handlers can pick the right reply code and log level without
// re-deriving it from the underlying error.
type Category int

const (
	CategoryProtocolViolation Category = iota
	CategoryPolicyDenial
	CategoryResolveFailure
	CategoryConnectFailure
	CategoryAcceptFailure
	CategoryPeerEOF
	CategoryTransportError
	CategoryUDPError
	CategoryWriteReplyFailure
)

func (c Category) String() string {
	switch c {
	case CategoryProtocolViolation:
		return "protocol_violation"
	case CategoryPolicyDenial:
		return "policy_denial"
	case CategoryResolveFailure:
		return "resolve_failure"
	case CategoryConnectFailure:
		return "connect_failure"
	case CategoryAcceptFailure:
		return "accept_failure"
	case CategoryPeerEOF:
		return "peer_eof"
	case CategoryTransportError:
		return "transport_error"
	case CategoryUDPError:
		return "udp_error"
	case CategoryWriteReplyFailure:
		return "write_reply_failure"
	default:
		return "unknown"
	}
}

// SessionError is a session-terminating error tagged with its §7 category.
type SessionError struct {
	Category Category
	Err      error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Category.String()
	}
	return e.Category.String() + ": " + e.Err.Error()
}

func (e *SessionError) Unwrap() error { return e.Err }

// Fail wraps err with a category, or synthesizes one from the category
// alone when err is nil (e.g. a policy denial with no underlying syscall
// error).
func Fail(cat Category, err error) *SessionError {
	if err == nil {
		err = errors.New(cat.String())
	}
	return &SessionError{Category: cat, Err: err}
}

var (
	// ErrAborted marks an operation that failed only because Stop closed
	// its fd out from under it; callbacks for these must be a no-op
	// beyond resource release.
	ErrAborted = errors.New("session aborted")
)
