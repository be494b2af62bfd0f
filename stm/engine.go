package stm

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Checkpoint identifies the resume point of an abortable transaction. The
// controller mints one per begin; after an abort, execution re-enters the
// retry loop that minted it.
type Checkpoint uint64

// ThreadHandle is the engine's opaque per-thread record, handed out by
// RegisterThread and passed back on every per-thread call.
type ThreadHandle interface{}

// Engine is the STM heap this controller drives. Implementations detect
// read/write conflicts, own the physical commit and abort, and enforce
// that at most one inevitable transaction exists at a time.
//
// Abort protocol: an engine operation invoked mid-transaction signals a
// conflict by panicking with a *ConflictError (see Abort); the retry loop
// recovers it. CommitTransaction signals a commit-time conflict by
// returning a *ConflictError instead. Any other error or panic is treated
// as a bug, not a retryable condition.
type Engine interface {
	Start() error
	Stop() error

	// NurseryCapacity is the per-thread young-object arena size in bytes.
	NurseryCapacity() uint64

	// RegisterThread creates the engine-side record for a worker. The
	// commitSoon callback may be invoked from any goroutine when the engine
	// wants this worker's transaction to end at its next safe point.
	RegisterThread(name string, commitSoon func()) (ThreadHandle, error)
	UnregisterThread(h ThreadHandle)

	StartTransaction(h ThreadHandle, ckpt Checkpoint)
	StartInevitableTransaction(h ThreadHandle)
	CommitTransaction(h ThreadHandle) error
	BecomeInevitable(h ThreadHandle, reason string)
	BecomeGloballyUniqueTransaction(h ThreadHandle, reason string)

	// ShouldEndTransaction reports whether the open transaction has spent
	// the given budget or the engine wants it to wrap up for its own
	// reasons (waiters, pending whole-heap operations).
	ShouldEndTransaction(h ThreadHandle, b Budget) bool

	// ActiveCheckpoint returns the open transaction's resume point and
	// whether the transaction is still abortable. Inevitable transactions
	// report false.
	ActiveCheckpoint(h ThreadHandle) (Checkpoint, bool)

	// PushRoot and PopRoot maintain the per-thread stack of handles the
	// collector must keep alive across aborts. Forwarded unchanged to the
	// engine's tracing machinery.
	PushRoot(h ThreadHandle, root interface{})
	PopRoot(h ThreadHandle) interface{}
}

// ConflictError reports an aborted transaction. It is not a failure: the
// retry loop consumes it and re-runs the unit of work with a shrunk
// budget. BytesInNursery is how much the transaction had allocated when it
// died, the input to the next budget computation.
type ConflictError struct {
	Reason         string
	BytesInNursery uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction conflict: %s (%d nursery bytes consumed)", e.Reason, e.BytesInNursery)
}

// Abort unwinds the calling transaction with a conflict. Engines call this
// from operations that detect a stale read or an overfull nursery; it must
// only run on the goroutine executing the transaction.
func Abort(reason string, bytesInNursery uint64) {
	panic(&ConflictError{Reason: reason, BytesInNursery: bytesInNursery})
}

// AsConflict unwraps err down to a *ConflictError, or nil if the error is
// something else.
func AsConflict(err error) *ConflictError {
	if err == nil {
		return nil
	}
	if conflict, ok := errors.Cause(err).(*ConflictError); ok {
		return conflict
	}
	return nil
}
