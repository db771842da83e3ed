package bridge

import "errors"

var (
	// ErrSessionClosed resolves everything still pending when a session is torn down
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownEvent is returned for event names without a binding
	ErrUnknownEvent = errors.New("unknown event")
	// ErrUnmatchedReply is returned when a reply arrives with nothing pending
	ErrUnmatchedReply = errors.New("unmatched upstream reply")
)
