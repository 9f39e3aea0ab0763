package shell

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrFetchFailed    = errors.New("fetch failed")
	ErrWriteFailed    = errors.New("write failed")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("view closed")
)

// FetchError wraps a failed read against one of the host collaborators.
// It matches ErrFetchFailed under errors.Is.
type FetchError struct {
	Op  string
	Key string
	Err error
}

func (e *FetchError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}
