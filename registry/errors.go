package registry

import "errors"

var (
	// ErrQuotaExceeded is returned by TryAdmit when the user already holds the
	// maximum number of sessions.
	ErrQuotaExceeded = errors.New("per-user connection quota exceeded")

	// ErrUnknownReservation is returned by Register when the reservation was
	// never issued by this registry or has already been removed.
	ErrUnknownReservation = errors.New("unknown or released reservation")

	// ErrIncompleteSession is returned by Register when the session is missing
	// one of its socket handles.
	ErrIncompleteSession = errors.New("session must own both a client and an upstream socket")
)
