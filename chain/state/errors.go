package state

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by every ForkDB operation issued after Close.
	ErrClosed = errors.New("fork database is closed")

	// ErrUnknownCodeHash is returned by CodeByHash for a hash the fork has not observed through any account or code
	// read, or through a local code write. Code cannot be queried by hash remotely.
	ErrUnknownCodeHash = errors.New("bytecode hash is not known to the fork")
)

// SnapshotError describes a revert or drop of a snapshot id that was never issued, or that was already consumed by
// a revert or drop.
type SnapshotError struct {
	// ID is the snapshot id the operation referenced.
	ID uint64

	// Op is the operation that failed, "revert" or "drop".
	Op string
}

// Error returns the error message string, implementing the `error` interface.
func (e *SnapshotError) Error() string {
	return fmt.Sprintf("cannot %s snapshot %d: unknown or invalidated snapshot id", e.Op, e.ID)
}

// IsSnapshotError reports whether err is, or wraps, a SnapshotError.
func IsSnapshotError(err error) bool {
	var snapshotErr *SnapshotError
	return errors.As(err, &snapshotErr)
}
