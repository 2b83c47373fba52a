package core

import "errors"

type Error struct {
	msg string
	// sensitive is a flag to indicate if the error is sensitive or not.
	// If it is not, it can be returned to the client.
	Sensitive bool
}

func NewSensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: true}
}

func NewInsensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: false}
}

func (e *Error) Error() string {
	return e.msg
}

// ClientMessage returns the text that may be shown to a client for err.
// Sensitive and foreign errors are replaced with fallback.
func ClientMessage(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && !e.Sensitive {
		return e.msg
	}
	return fallback
}

var (
	// ErrAuthenticationFailed is returned when a connection presents a bad or missing credential.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNotAParticipant is returned when a user acts on a conversation they do not belong to.
	ErrNotAParticipant = NewInsensitiveError("not a participant of this conversation")
	// ErrUnknownCallSession is returned when a call id does not match any tracked session.
	ErrUnknownCallSession = errors.New("unknown call session")
	// ErrDeliveryFailure is returned when an event cannot be written to a handle.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrHandleClosed is returned when operating on a handle that has been closed.
	ErrHandleClosed = errors.New("handle closed")
	// ErrSessionClosed is returned when a session transitions after it has been closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrEmptyPayload is returned when an inbound event carries no payload.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrCallExists is returned when a call id is reused while its session is still active.
	ErrCallExists = NewInsensitiveError("call already exists")
	// ErrInvalidSignal is returned when an SDP or ICE payload is malformed.
	ErrInvalidSignal = NewInsensitiveError("invalid signaling payload")
)
