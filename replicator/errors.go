package replicator

import (
	"fmt"

	"github.com/pkg/errors"
)

// Transaction-local and connection errors. These are recoverable: the host
// rolls back or replays the one transaction, or reconnects.
var (
	// ErrTrxFail: the transaction failed and must be rolled back.
	ErrTrxFail = errors.New("transaction failed")
	// ErrBFAbort: the transaction was brute-force aborted by an
	// earlier-ordered conflicting transaction; the host must replay it.
	ErrBFAbort = errors.New("transaction must be replayed")
	// ErrConnFail: the group connection is unusable.
	ErrConnFail = errors.New("group connection failed")
	// ErrNodeFail: the node is unusable.
	ErrNodeFail = errors.New("node failed")
	// ErrNotImplemented: the operation is not implemented.
	ErrNotImplemented = errors.New("not implemented")
)

// FatalError reports an unrecoverable condition: the node has diverged from
// the group, or an internal invariant was violated. It is never conflated
// with transaction-local failures.
type FatalError struct {
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal: %s: %s", e.Reason, e.Cause)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e FatalError) Unwrap() error { return e.Cause }

// IsFatal returns whether |err| is a FatalError.
func IsFatal(err error) bool {
	var fe FatalError
	return errors.As(err, &fe)
}

func fatalf(cause error, format string, args ...interface{}) error {
	return FatalError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}
