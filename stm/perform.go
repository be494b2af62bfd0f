package stm

// WorkFunc is one transactional unit of work. attempt is the abort count
// for the current unit: 0 on its first execution, incremented on every
// retry, back to 0 when a fresh unit starts. The returned outcome steers
// PerformTransaction: a value <= 0 stops the loop and becomes its result;
// a positive value asks for another unit under a fresh transaction.
type WorkFunc func(arg interface{}, attempt int) int

// PerformTransaction repeatedly runs work under a transaction until it
// reports completion. Between units the current transaction is committed
// and a new one begun, unless an atomic section holds the transaction
// open. An abort, whether raised mid-work by an engine operation or
// returned by commit, resumes at the top of the unit with an incremented
// attempt and a budget shrunk from the abort's size.
//
// arg is the caller's root-set handle: it is registered with the engine's
// root tracking for the duration of the loop so the collector keeps it
// alive across retries, and it is passed to work unchanged.
func (c *Controller) PerformTransaction(tc *ThreadContext, arg interface{}, work WorkFunc) int {
	tc.assertRegistered("PerformTransaction")
	if work == nil {
		panic("stm: PerformTransaction with nil work")
	}

	rootsBefore := tc.roots
	tc.PushRoot(arg)
	entrySeq := tc.ckptSeq

	var attempt, outcome int
	for {
		if !tc.InAtomic() {
			if tc.inTxn {
				if conflict := c.commit(tc); conflict != nil {
					// The transaction died at its own commit; account the
					// abort and begin the replacement directly.
					attempt++
					tc.noteAbort(conflict)
				}
			}
			c.begin(tc, attempt)
		}
		conflict := c.runWork(tc, work, arg, attempt, &outcome)
		if conflict == nil && outcome <= 0 {
			// An abortable transaction begun inside this invocation has a
			// resume point nobody re-enters after we return, so it must be
			// made inevitable first. The escalation itself may conflict,
			// which retries the whole unit.
			conflict = c.exitEscalate(tc, entrySeq)
			if conflict == nil {
				break
			}
		}
		if conflict != nil {
			attempt++
			tc.noteAbort(conflict)
			continue
		}
		attempt = 0
	}

	if tc.InAtomic() && !tc.budget.IsUnlimited() {
		panic("stm: atomic section running with a bounded budget")
	}

	tc.PopRoot()
	if tc.roots != rootsBefore {
		panic("stm: unbalanced root registration across PerformTransaction")
	}
	return outcome
}

// runWork invokes one round of work, converting a conflict unwind from an
// engine operation into a recorded abort. Any other panic propagates.
func (c *Controller) runWork(tc *ThreadContext, work WorkFunc, arg interface{}, attempt int, outcome *int) (conflict *ConflictError) {
	defer func() {
		if r := recover(); r != nil {
			cf, ok := r.(*ConflictError)
			if !ok {
				panic(r)
			}
			conflict = cf
		}
	}()
	*outcome = work(arg, attempt)
	return nil
}

// exitEscalate makes the loop's own still-abortable transaction inevitable
// before PerformTransaction returns. Conversion can conflict; the caught
// unwind sends the unit back through the retry loop.
func (c *Controller) exitEscalate(tc *ThreadContext, entrySeq uint64) (conflict *ConflictError) {
	ckpt, abortable := c.engine.ActiveCheckpoint(tc.h)
	if !abortable || uint64(ckpt) <= entrySeq {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			cf, ok := r.(*ConflictError)
			if !ok {
				panic(r)
			}
			conflict = cf
		}
	}()
	c.escalate(tc, reasonPerformExit)
	return nil
}
