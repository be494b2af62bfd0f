package stm

import "fmt"

// Token tells LeaveForeignCall how its matching EnterForeignCall attached.
type Token int

const (
	// TokenNested marks a foreign call made from inside transactional
	// code: leaving resumes normal bookkeeping on the same transaction.
	TokenNested Token = 0
	// TokenAttached marks a first-time thread attach: leaving commits
	// unconditionally and detaches the thread again.
	TokenAttached Token = 1
)

// EnterForeignCall suspends transactional bookkeeping before control
// crosses into non-transactional code. Pass nil for a thread the
// controller has never seen: it is registered on the spot and must hand
// the returned context and token back to LeaveForeignCall. For a known
// context the transaction is forced inevitable first, because foreign
// code cannot be re-entered to retry an abort.
func (c *Controller) EnterForeignCall(tc *ThreadContext) (*ThreadContext, Token) {
	if tc == nil {
		if c.txnLength.Load() < 0 {
			panic("stm: foreign thread attached before ConfigureTransactionLength")
		}
		fresh, err := c.RegisterThread("foreign")
		if err != nil {
			panic(fmt.Sprintf("stm: foreign-call attach failed: %v", err))
		}
		foreignCallsCounter.WithLabelValues("attach").Inc()
		return fresh, TokenAttached
	}
	tc.assertRegistered("EnterForeignCall")
	// Foreign code cannot be re-entered to retry, so the transaction must
	// outlive its abortability before control leaves. Inside an atomic
	// section the shrink lands on the restore-time budget.
	c.escalate(tc, reasonForeignCall)
	foreignCallsCounter.WithLabelValues("nested").Inc()
	return tc, TokenNested
}

// LeaveForeignCall resumes transactional bookkeeping after foreign code
// returns. token must be the one the matching EnterForeignCall produced.
// The attached path mirrors first-time registration: drop any atomic
// nesting, commit, detach; the context is dead afterwards. The nested path
// re-applies the voluntary end check without forcing a commit.
func (c *Controller) LeaveForeignCall(tc *ThreadContext, token Token) {
	tc.assertRegistered("LeaveForeignCall")
	switch token {
	case TokenAttached:
		tc.atomicDepth = 0
		tc.saved = tc.saved[:0]
		// The commit below must not conflict: the thread detaches right
		// after and nobody would re-enter its resume point.
		c.escalate(tc, reasonForeignCall)
		c.DeregisterThread(tc)
	case TokenNested:
		if tc.InAtomic() {
			return
		}
		tc.drainCommitSoon()
		if c.engine.ShouldEndTransaction(tc.h, tc.budget) {
			c.mustCommit(tc)
			c.begin(tc, 0)
		}
	default:
		panic(fmt.Sprintf("stm: LeaveForeignCall with unknown token %d", token))
	}
}
