package dcp

import (
	"errors"
	"fmt"
)

// ErrSessionDisconnected is returned to any waiter blocked inside the
// core when disconnect() completes, per spec.md §5 "Cancellation".
var ErrSessionDisconnected = errors.New("dcp: session disconnected")

// ErrTimedOut is returned by every timeout-bounded wait in this
// package (spec.md §5 "Timeouts").
var ErrTimedOut = errors.New("dcp: timed out")

// CannotRetryError carries the cause and attempt count of an exhausted
// RetryPolicy, per spec.md §4.1.
type CannotRetryError struct {
	Cause    error
	Attempts int
}

func (e *CannotRetryError) Error() string {
	return fmt.Sprintf("dcp: cannot retry after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *CannotRetryError) Unwrap() error { return e.Cause }

// NotMyVbucketError signals a channel is no longer the master for a
// partition. Nothing in this package returns it: a NOT_MY_VBUCKET
// stream-request response becomes a Fixer event that refreshes the
// config and reroutes, and a partition still unrouted after that
// refresh is not reported with this error.
type NotMyVbucketError struct {
	Partition uint16
}

func (e *NotMyVbucketError) Error() string {
	return fmt.Sprintf("dcp: not my vbucket: %d", e.Partition)
}

// AuthFailedError is fatal per-channel.
type AuthFailedError struct {
	Node string
	Err  error
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("dcp: auth failed against %s: %v", e.Node, e.Err)
}

func (e *AuthFailedError) Unwrap() error { return e.Err }

// BucketNotFoundError is fatal per-channel.
type BucketNotFoundError struct {
	Bucket string
}

func (e *BucketNotFoundError) Error() string {
	return fmt.Sprintf("dcp: bucket not found: %s", e.Bucket)
}

// UnknownOpcodeError describes an unrecognised opcode. DcpChannel does
// not return it: an unknown inbound opcode is logged and the frame is
// skipped, and the channel stays open.
type UnknownOpcodeError struct {
	Opcode byte
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("dcp: unknown opcode: 0x%02x", e.Opcode)
}

// InvariantViolationError marks a configuration inconsistency (e.g. no
// master known for a partition) -- fatal and non-recoverable, per
// spec.md §7.
type InvariantViolationError struct {
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("dcp: invariant violation: %s", e.Reason)
}

// transientError marks an error as retryable under RetryPolicy
// (connection reset, TMPFAIL/EBUSY responses, handshake timeouts).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &transientError{err: err} }

// IsTransient reports whether err (or anything it wraps) was marked
// retryable via Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
