package proto

import "github.com/juju/errors"

// Wire status bytes. These are unix errno-style values carried in the
// response header's Status field; 0 means success.
const (
	StatusOK      byte = 0
	StatusNoEnt   byte = 2
	StatusExist   byte = 6
	StatusInval   byte = 22
	StatusNoSpace byte = 28
	StatusBusy    byte = 16
)

// Kind classifies an internal error for the purpose of mapping it to a
// wire status and deciding client-side retry behavior.
type Kind int

// Error kinds.
const (
	KindInvalidArgument Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInsufficientSpace
	KindNetwork
	KindReplicationSkip
	KindFatal
)

// Error wraps an underlying cause with a Kind so callers on both sides of
// the wire protocol can map it consistently.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.cause.Error()
}

// Cause implements juju/errors' causer interface.
func (e *Error) Cause() error { return e.cause }

// NewError wraps cause under the given Kind.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: errors.Trace(cause)}
}

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNotFound:
		return "not-found"
	case KindAlreadyExists:
		return "already-exists"
	case KindInsufficientSpace:
		return "insufficient-space"
	case KindNetwork:
		return "network"
	case KindReplicationSkip:
		return "replication-skip"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StatusForKind maps an internal Kind to the wire status byte. Network,
// replication-skip and fatal kinds have no status of their own and map
// to StatusInval.
func StatusForKind(k Kind) byte {
	switch k {
	case KindNotFound:
		return StatusNoEnt
	case KindAlreadyExists:
		return StatusExist
	case KindInvalidArgument:
		return StatusInval
	case KindInsufficientSpace:
		return StatusNoSpace
	default:
		return StatusInval
	}
}

// CauseKind extracts the Kind of the first *Error found by unwrapping
// err's juju/errors Trace/Annotate chain, defaulting to KindFatal when
// err did not originate as a proto.Error (the server treats an
// unclassified failure as connection-terminating).
func CauseKind(err error) Kind {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe.Kind
		}
		u, ok := err.(interface{ Underlying() error })
		if !ok {
			break
		}
		err = u.Underlying()
	}
	return KindFatal
}

// IsRetryable reports whether a client should retry the operation that
// produced this error: invalid-argument, not-found and already-exists
// surface immediately, everything else (in particular network errors
// and unclassified errors) is retryable with backoff.
func IsRetryable(err error) bool {
	switch CauseKind(err) {
	case KindInvalidArgument, KindNotFound, KindAlreadyExists:
		return false
	default:
		return true
	}
}
