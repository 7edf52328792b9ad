// Package store holds the error values shared by the Redis-backed components.
// A wrapped ErrStoreUnavailable means no decision was reached and the caller
// may retry.
package store

import "errors"

var (
	ErrAlreadyExists    = errors.New("job id already active")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Unavailable wraps a transport or transaction failure so errors.Is reports
// ErrStoreUnavailable while keeping the cause in the message.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &unavailableError{op: op, err: err}
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return e.op + ": " + ErrStoreUnavailable.Error() + ": " + e.err.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.err}
}
