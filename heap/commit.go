package heap

import (
	"github.com/pingcap/failpoint"

	"github.com/pingcap-incubator/tinystm/stm"
)

// CommitTransaction publishes h's buffered effects. An abortable commit
// first parks while an inevitable transaction runs (asking it to commit
// soon), then revalidates every read under the commit stripes before
// applying. A conflict is reported by return value; the transaction is
// already closed when it is returned.
func (e *Engine) CommitTransaction(h stm.ThreadHandle) error {
	t := h.(*threadState)
	t.requireOpen("CommitTransaction")

	if conflict := e.commitGate(t); conflict != nil {
		return conflict
	}

	var injected *stm.ConflictError
	failpoint.Inject("commit-conflict", func() {
		injected = e.failCommit(t, "injected conflict")
	})
	if injected != nil {
		return injected
	}

	stripes := t.lockSet()
	e.lockStripes(stripes)
	if !t.inevitable && !e.readsValid(t) {
		e.unlockStripes(stripes)
		return e.failCommit(t, "read validation")
	}

	commitVer := e.clock.Inc()
	promoted := t.promoteSet()

	e.treeMu.Lock()
	for id, p := range t.writes {
		c := e.tree.Get(&cell{id: id}).(*cell)
		c.data = p.data
		c.refs = p.refs
		c.version = commitVer
	}
	var promotedBytes uint64
	for id, p := range promoted {
		e.tree.ReplaceOrInsert(&cell{id: id, version: commitVer, data: p.data, refs: p.refs})
		promotedBytes += e.accounted(p.data)
	}
	e.treeMu.Unlock()
	e.unlockStripes(stripes)

	commitsCounter.Inc()
	if promotedBytes > 0 {
		promotedBytesCounter.Add(float64(promotedBytes))
	}
	if dropped := len(t.allocs) - len(promoted); dropped > 0 {
		droppedObjectsCounter.Add(float64(dropped))
	}
	e.endTxn(t)
	return nil
}

// commitGate holds abortable commits back while an inevitable transaction
// runs. A commit parked when a stop-world request arrives gives way by
// aborting, so the world can actually drain.
func (e *Engine) commitGate(t *threadState) *stm.ConflictError {
	e.mu.Lock()
	if !t.inevitable {
		for e.inevOwner != nil {
			if e.stopWorld != nil {
				e.mu.Unlock()
				return e.failCommit(t, "stop-world")
			}
			if e.inevOwner.commitSoon != nil {
				e.inevOwner.commitSoon()
			}
			e.cond.Wait()
		}
	}
	e.committing++
	t.committing = true
	e.mu.Unlock()
	return nil
}

// failCommit closes the transaction and builds the conflict for the commit
// path's return value.
func (e *Engine) failCommit(t *threadState, reason string) *stm.ConflictError {
	bytes := t.allocated
	e.endTxn(t)
	conflictsCounter.WithLabelValues(reason).Inc()
	return &stm.ConflictError{Reason: reason, BytesInNursery: bytes}
}

// readsValid rechecks the version of every object in the read log.
func (e *Engine) readsValid(t *threadState) bool {
	e.treeMu.RLock()
	defer e.treeMu.RUnlock()
	for id, ver := range t.reads {
		item := e.tree.Get(&cell{id: id})
		if item == nil || item.(*cell).version != ver {
			return false
		}
	}
	return true
}

func (e *Engine) lockStripes(stripes []int) {
	for _, s := range stripes {
		e.stripes[s].Lock()
	}
}

func (e *Engine) unlockStripes(stripes []int) {
	for i := len(stripes) - 1; i >= 0; i-- {
		e.stripes[stripes[i]].Unlock()
	}
}
