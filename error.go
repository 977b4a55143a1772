package opctx

import "time"

// Error is an operation-scoped error value. Every failure recorded on a
// context - explicit CreateError calls, background process failures,
// usage errors and the deadline poison - is an *Error carrying the
// owning operation's id, a human message and its creation time.
type Error struct {
	at  time.Time
	op  string
	msg string
}

func newError(operationID, message string, at time.Time) *Error {
	return &Error{
		op:  operationID,
		msg: message,
		at:  at,
	}
}

// Error returns the human-readable message.
func (e *Error) Error() string {
	return e.msg
}

// OperationID returns the id of the context the error was recorded on.
func (e *Error) OperationID() string {
	return e.op
}

// Time returns when the error was created.
func (e *Error) Time() time.Time {
	return e.at
}
