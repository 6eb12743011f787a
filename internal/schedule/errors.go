package schedule

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"

	"slotbot/internal/sheets"
)

// Kind classifies why availability could not be read.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindAuth      Kind = "auth"
	KindMalformed Kind = "malformed"
	KindInternal  Kind = "internal"
)

// Error is returned by AvailableSlots when the source could not be read.
// It is distinct from an empty result, which means no free slots.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("schedule: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var schedErr *Error
	if errors.As(err, &schedErr) {
		return schedErr, true
	}
	return nil, false
}

// classify wraps a source failure into a *Error with a non-empty detail.
func classify(err error) *Error {
	detail := err.Error()
	if detail == "" {
		detail = "unknown source failure"
	}

	if errors.Is(err, sheets.ErrNoCredentials) {
		return &Error{Kind: KindAuth, Detail: detail, Err: err}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Kind: KindAuth, Detail: detail, Err: err}
		case http.StatusBadRequest, http.StatusNotFound:
			return &Error{Kind: KindMalformed, Detail: detail, Err: err}
		default:
			return &Error{Kind: KindNetwork, Detail: detail, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindNetwork, Detail: detail, Err: err}
	}
	return &Error{Kind: KindInternal, Detail: detail, Err: err}
}
