package stm

import "fmt"

const (
	reasonPerformExit = "perform_transaction exiting"
	reasonForeignCall = "foreign call"
)

// begin starts a fresh abortable transaction for tc, bound to a newly
// minted checkpoint, and computes its budget from attempt. A fresh
// transaction always starts in normal mode: whatever atomic nesting a
// prior abort tore down is cleared here, and a commit-soon signal aimed at
// the dead transaction is consumed.
func (c *Controller) begin(tc *ThreadContext, attempt int) Checkpoint {
	tc.ckptSeq++
	ckpt := Checkpoint(tc.ckptSeq)
	c.engine.StartTransaction(tc.h, ckpt)
	tc.inTxn = true
	tc.atomicDepth = 0
	tc.saved = tc.saved[:0]
	tc.commitSoon.Store(false)
	tc.budget = computeBudget(attempt, c.txnLength.Load(), tc.lastAbortBytes)
	transactionsStartedCounter.WithLabelValues("normal").Inc()
	if attempt > 0 {
		transactionRetriesCounter.Inc()
	}
	return ckpt
}

// commit asks the engine to commit tc's transaction. A conflict return is
// an abort like any other: the caller resumes at its checkpoint.
func (c *Controller) commit(tc *ThreadContext) *ConflictError {
	err := c.engine.CommitTransaction(tc.h)
	tc.inTxn = false
	if err == nil {
		transactionsCommittedCounter.Inc()
		return nil
	}
	conflict := AsConflict(err)
	if conflict == nil {
		panic(fmt.Sprintf("stm: engine commit failed outside the conflict protocol: %v", err))
	}
	return conflict
}

// mustCommit commits a transaction that cannot conflict. Inevitable
// transactions are guaranteed to commit; a conflict here is an engine bug.
func (c *Controller) mustCommit(tc *ThreadContext) {
	if conflict := c.commit(tc); conflict != nil {
		panic(fmt.Sprintf("stm: unabortable transaction aborted at commit: %v", conflict))
	}
}

// escalate converts tc's transaction into the single inevitable
// transaction permitted in the process. The effective budget shrinks to a
// quarter of its remaining margin first; an inevitable transaction blocks
// every conflicting peer, so it has to stay short. Escalating an already
// inevitable transaction changes nothing, budget included.
func (c *Controller) escalate(tc *ThreadContext, reason string) {
	if _, abortable := c.engine.ActiveCheckpoint(tc.h); !abortable {
		return
	}
	tc.shrinkForInevitable()
	c.engine.BecomeInevitable(tc.h, reason)
	escalationsCounter.WithLabelValues(reason).Inc()
}
