package session

import (
	"errors"
	"fmt"
	"strconv"
)

// Close codes reported by the network. Only CodeLoggedOut (or an explicit
// logged-out flag) ends the pairing; everything else is transient.
const (
	CodeLoggedOut           = 401
	CodeForbidden           = 403
	CodeTimedOut            = 408
	CodeMultideviceMismatch = 411
	CodeConnectionClosed    = 428
	CodeConnectionReplaced  = 440
	CodeBadSession          = 500
	CodeUnavailable         = 503
	CodeRestartRequired     = 515
)

var reasonNames = map[int]string{
	CodeLoggedOut:           "logged out",
	CodeForbidden:           "forbidden",
	CodeTimedOut:            "timed out",
	CodeMultideviceMismatch: "multidevice mismatch",
	CodeConnectionClosed:    "connection closed",
	CodeConnectionReplaced:  "connection replaced",
	CodeBadSession:          "bad session",
	CodeUnavailable:         "service unavailable",
	CodeRestartRequired:     "restart required",
}

// ReasonText names a close code for logs and status texts.
func ReasonText(code int) string {
	if name, ok := reasonNames[code]; ok {
		return name
	}
	if code == 0 {
		return "unknown"
	}
	return strconv.Itoa(code)
}

// Unrecoverable reports whether a close means the pairing is gone.
func Unrecoverable(code int, loggedOut bool) bool {
	return loggedOut || code == CodeLoggedOut
}

var (
	// ErrNotConnected is returned by sends while no session is open.
	ErrNotConnected = errors.New("session: not connected")
	// ErrUnknownIdentity is returned by the registry for unconfigured ids.
	ErrUnknownIdentity = errors.New("session: unknown identity")
)

// ConnectionError describes a failed or ended connection. Unrecoverable
// errors are the AuthInvalidated kind: the stored pairing is no longer
// accepted. All others are transient.
type ConnectionError struct {
	Identity      string
	Code          int
	Reason        string
	Unrecoverable bool
	Err           error
}

func (e *ConnectionError) Error() string {
	kind := "transient"
	if e.Unrecoverable {
		kind = "auth invalidated"
	}
	msg := fmt.Sprintf("session %s: %s (%s)", e.Identity, kind, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsAuthInvalidated reports whether err is an unrecoverable ConnectionError.
func IsAuthInvalidated(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) && connErr.Unrecoverable
}

// closeError builds the ConnectionError for a Closed event.
func closeError(identity string, ev Closed) *ConnectionError {
	reason := ev.Reason
	if reason == "" {
		reason = ReasonText(ev.Code)
	}
	return &ConnectionError{
		Identity:      identity,
		Code:          ev.Code,
		Reason:        reason,
		Unrecoverable: Unrecoverable(ev.Code, ev.LoggedOut),
		Err:           ev.Err,
	}
}

// dialError classifies a Dial failure. Transports signal a rejected
// pairing by returning a *ConnectionError; anything else is transient.
func dialError(identity string, err error) *ConnectionError {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		out := *connErr
		out.Identity = identity
		out.Unrecoverable = out.Unrecoverable || Unrecoverable(out.Code, false)
		return &out
	}
	return &ConnectionError{Identity: identity, Code: CodeConnectionClosed, Reason: "dial failed", Err: err}
}
