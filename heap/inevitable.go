package heap

import (
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinystm/stm"
)

// BecomeInevitable converts h's transaction into the single inevitable
// one. The caller blocks until the slot frees and every in-flight commit
// lands, then its read log is validated one last time: after that nobody
// else commits until this transaction ends, so the log cannot go stale
// again. Validation failure aborts; waiting while a stop-world request is
// pending aborts too, to let the world drain.
func (e *Engine) BecomeInevitable(h stm.ThreadHandle, reason string) {
	t := h.(*threadState)
	t.requireOpen("BecomeInevitable")
	if t.inevitable {
		return
	}

	start := time.Now()
	e.mu.Lock()
	for e.inevOwner != nil || e.committing > 0 {
		if e.stopWorld != nil {
			e.mu.Unlock()
			t.abort("stop-world")
		}
		if e.inevOwner != nil && e.inevOwner.commitSoon != nil {
			e.inevOwner.commitSoon()
		}
		e.cond.Wait()
	}
	e.inevOwner = t
	e.mu.Unlock()
	inevitableWaitDuration.Observe(time.Since(start).Seconds())

	if !e.readsValid(t) {
		e.mu.Lock()
		e.inevOwner = nil
		e.cond.Broadcast()
		e.mu.Unlock()
		t.abort("escalation validation")
	}
	t.inevitable = true
	log.Debug("transaction became inevitable",
		zap.String("worker", t.name), zap.String("reason", reason))
}

// BecomeGloballyUniqueTransaction makes h's transaction the only active
// one: it becomes inevitable, every other worker is asked to commit soon,
// new transactions park, and the call returns once the rest of the world
// has drained. The claim is released when the transaction ends.
func (e *Engine) BecomeGloballyUniqueTransaction(h stm.ThreadHandle, reason string) {
	e.BecomeInevitable(h, reason)
	t := h.(*threadState)

	start := time.Now()
	e.mu.Lock()
	e.stopWorld = t
	e.stopPending.Store(true)
	// Wake parked commits and escalations so they see the request and give
	// way.
	e.cond.Broadcast()
	for th := range e.threads {
		if th != t && th.commitSoon != nil {
			th.commitSoon()
		}
	}
	for e.activeTxns > 1 {
		e.cond.Wait()
	}
	e.mu.Unlock()

	stopWorldCounter.Inc()
	log.Info("world stopped for globally unique transaction",
		zap.String("worker", t.name), zap.String("reason", reason),
		zap.Duration("drain", time.Since(start)))
}
