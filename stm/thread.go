package stm

import (
	"fmt"

	"go.uber.org/atomic"
)

// ThreadContext is the per-worker transaction state: atomic nesting depth,
// the live budget, the stack of budgets saved by atomic sections, and the
// last abort's size. Exactly one exists per registered worker and every
// method must be called from the goroutine that owns it; the only field
// other goroutines touch is the commit-soon flag.
type ThreadContext struct {
	c    *Controller
	h    ThreadHandle
	name string

	atomicDepth int
	budget      Budget
	saved       []Budget

	lastAbortBytes uint64
	inTxn          bool
	ckptSeq        uint64
	registered     bool
	roots          int

	// commitSoon is set by the engine's pressure signal from arbitrary
	// goroutines and drained by the owner at its next budget checkpoint.
	commitSoon atomic.Bool
}

// Handle returns the engine-side record for this worker, for calling the
// engine's object operations inside a unit of work.
func (tc *ThreadContext) Handle() ThreadHandle { return tc.h }

// Name returns the name the worker registered under.
func (tc *ThreadContext) Name() string { return tc.name }

// Budget returns the live budget of the current transaction.
func (tc *ThreadContext) Budget() Budget { return tc.budget }

// InAtomic reports whether the context is inside an atomic section.
func (tc *ThreadContext) InAtomic() bool { return tc.atomicDepth > 0 }

// EnterAtomic begins or nests an atomic section. The live budget is pushed
// and replaced with an unlimited one: an atomic section must never be cut
// short by the voluntary break check.
func (tc *ThreadContext) EnterAtomic() {
	tc.saved = append(tc.saved, tc.budget)
	tc.budget = Unlimited()
	tc.atomicDepth++
}

// LeaveAtomic ends one level of atomic nesting and restores the budget the
// matching EnterAtomic saved. Leaving at depth zero is a contract
// violation.
func (tc *ThreadContext) LeaveAtomic() {
	if tc.atomicDepth == 0 {
		panic("stm: LeaveAtomic without matching EnterAtomic")
	}
	tc.atomicDepth--
	n := len(tc.saved) - 1
	tc.budget = tc.saved[n]
	tc.saved = tc.saved[:n]
}

// PushRoot registers root with the engine's root tracking so the collector
// keeps it alive across aborts. Must be balanced with PopRoot.
func (tc *ThreadContext) PushRoot(root interface{}) {
	tc.c.engine.PushRoot(tc.h, root)
	tc.roots++
}

// PopRoot removes and returns the most recently pushed root.
func (tc *ThreadContext) PopRoot() interface{} {
	if tc.roots == 0 {
		panic("stm: PopRoot without matching PushRoot")
	}
	tc.roots--
	return tc.c.engine.PopRoot(tc.h)
}

// noteCommitSoon is installed as the engine's commit-soon callback. Safe
// from any goroutine.
func (tc *ThreadContext) noteCommitSoon() {
	tc.commitSoon.Store(true)
}

// drainCommitSoon applies a pending commit-soon signal. A bounded live
// budget is forced to zero so the transaction ends at its next voluntary
// break; while atomic the restore-time budget at the bottom of the stack
// is cleared instead, leaving the atomic section itself untouched.
func (tc *ThreadContext) drainCommitSoon() {
	if !tc.commitSoon.CAS(true, false) {
		return
	}
	if tc.atomicDepth > 0 {
		tc.saved[0] = tc.saved[0].drained()
		return
	}
	tc.budget = tc.budget.drained()
}

// shrinkForInevitable quarters the budget a voluntary break will consult:
// the live one, or the restore-time one while an atomic section holds the
// live budget unlimited.
func (tc *ThreadContext) shrinkForInevitable() {
	if tc.atomicDepth > 0 {
		tc.saved[0] = tc.saved[0].quartered()
		return
	}
	tc.budget = tc.budget.quartered()
}

// noteAbort records a dead transaction. Any atomic nesting unwound with it
// is discarded; the abort size feeds the next budget computation.
func (tc *ThreadContext) noteAbort(conflict *ConflictError) {
	tc.inTxn = false
	tc.atomicDepth = 0
	tc.saved = tc.saved[:0]
	tc.lastAbortBytes = conflict.BytesInNursery
	tc.c.abortSizes.record(conflict.BytesInNursery)
	abortsCounter.WithLabelValues(conflict.Reason).Inc()
}

func (tc *ThreadContext) assertRegistered(op string) {
	if !tc.registered {
		panic(fmt.Sprintf("stm: %s on a deregistered context (%s)", op, tc.name))
	}
}
