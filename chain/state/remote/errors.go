package remote

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by a Reader when the requested key does not exist at the requested block. It is a
// legitimate terminal result rather than a failure.
var ErrNotFound = errors.New("not found at the requested block")

// NetworkError describes a transport failure while servicing a remote read. Retrying is the Reader's concern; by the
// time a NetworkError is returned the Reader has given up.
type NetworkError struct {
	// Method is the remote method that failed.
	Method string

	// Err is the underlying transport error.
	Err error
}

// NewNetworkError wraps err as a NetworkError raised by method.
func NewNetworkError(method string, err error) *NetworkError {
	return &NetworkError{Method: method, Err: err}
}

// Error returns the error message string, implementing the `error` interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote request %s failed: %v", e.Method, e.Err)
}

// Unwrap exposes the underlying transport error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err indicates a key that does not exist at the pinned block.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNetworkError reports whether err is, or wraps, a NetworkError.
func IsNetworkError(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr)
}
