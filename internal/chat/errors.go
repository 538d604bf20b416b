package chat

import "errors"

// Error codes for domain errors.
const (
	ErrCodeConnectionLost    = "connection_lost"
	ErrCodeCreationAmbiguous = "creation_ambiguous"
	ErrCodeSendFailed        = "send_failed"
	ErrCodeBadRequest        = "bad_request"
	ErrCodeUnauthorized      = "unauthorized"
)

var (
	// ErrConnectionLost means the transport stayed unreachable after the
	// retry budget; recovery requires an explicit reconnect trigger.
	ErrConnectionLost = errors.New("connection lost")
	// ErrCreationAmbiguous means a conversation create response could not be
	// resolved to an id in any known shape.
	ErrCreationAmbiguous = errors.New("conversation create response ambiguous")
	// ErrSendFailed means a message send failed at the transport level; the
	// optimistic entry is retained and flagged, never dropped.
	ErrSendFailed = errors.New("message send failed")
	ErrBadRequest = errors.New("bad request")
)

// Error wraps a code and human-readable message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a domain error with the given code.
func NewError(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}
