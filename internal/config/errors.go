package config

import (
	"errors"
	"fmt"
)

// Error is a configuration problem scoped to one identity. It is fatal for
// that identity only; other sessions keep running.
type Error struct {
	Identity string
	Field    string
	Err      error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: session %s: %v", e.Identity, e.Err)
	}
	return fmt.Sprintf("config: session %s: %s: %v", e.Identity, e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err is (or wraps) a *Error.
func IsConfigError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}
