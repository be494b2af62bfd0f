package heap

import (
	"fmt"
	"sort"

	"github.com/pingcap/failpoint"

	"github.com/pingcap-incubator/tinystm/stm"
)

// threadState is the engine-side record for one registered worker. Every
// field is owned by the worker's goroutine; cross-thread coordination goes
// through the engine's mutex and the commitSoon callback.
type threadState struct {
	eng        *Engine
	name       string
	commitSoon func()

	roots []interface{}

	ckpt       stm.Checkpoint
	open       bool
	inevitable bool
	committing bool
	startVer   uint64
	allocated  uint64

	reads  map[ObjectID]uint64
	writes map[ObjectID]*pendingObject
	allocs map[ObjectID]*pendingObject
}

func (t *threadState) resetTxn() {
	t.reads = make(map[ObjectID]uint64)
	t.writes = make(map[ObjectID]*pendingObject)
	t.allocs = make(map[ObjectID]*pendingObject)
	t.allocated = 0
}

func (t *threadState) requireOpen(op string) {
	if !t.open {
		panic(fmt.Sprintf("heap: %s outside a transaction (%s)", op, t.name))
	}
}

// abort closes the engine-side transaction and unwinds the worker with a
// conflict. Only for mid-transaction operations; commit reports conflicts
// by return value.
func (t *threadState) abort(reason string) {
	bytes := t.allocated
	t.eng.endTxn(t)
	conflictsCounter.WithLabelValues(reason).Inc()
	stm.Abort(reason, bytes)
}

// lockSet is the sorted stripe set a commit must hold: every read gets
// revalidated and every write applied under its stripe.
func (t *threadState) lockSet() []int {
	seen := make(map[int]struct{}, len(t.reads)+len(t.writes))
	for id := range t.reads {
		seen[stripeOf(id, t.eng.opts.StripeCount)] = struct{}{}
	}
	for id := range t.writes {
		seen[stripeOf(id, t.eng.opts.StripeCount)] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// promoteSet walks the transaction's young objects from its roots and its
// writes into old objects, returning the reachable ones. The rest die with
// the nursery.
func (t *threadState) promoteSet() map[ObjectID]*pendingObject {
	if len(t.allocs) == 0 {
		return nil
	}
	reached := make(map[ObjectID]*pendingObject)
	var stack []ObjectID
	seed := func(id ObjectID) {
		if p, ok := t.allocs[id]; ok {
			if _, done := reached[id]; !done {
				reached[id] = p
				stack = append(stack, id)
			}
		}
	}
	for _, root := range t.roots {
		if id, ok := root.(ObjectID); ok {
			seed(id)
			continue
		}
		if trace := t.eng.opts.Hooks.Trace; trace != nil {
			trace(root, seed)
		}
	}
	for _, p := range t.writes {
		for _, ref := range p.refs {
			seed(ref)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, ref := range reached[id].refs {
			seed(ref)
		}
	}
	return reached
}

// accounted is the nursery charge for one allocation.
func (e *Engine) accounted(data []byte) uint64 {
	if e.opts.Hooks.SizeOf != nil {
		return e.opts.Hooks.SizeOf(data) + objectHeaderSize
	}
	return uint64(len(data)) + objectHeaderSize
}

// Allocate creates a young object private to h's transaction. It becomes
// visible to other threads only if it is still reachable when the
// transaction commits. Aborts with a conflict when the nursery is full.
func (e *Engine) Allocate(h stm.ThreadHandle, data []byte, refs []ObjectID) ObjectID {
	t := h.(*threadState)
	t.requireOpen("Allocate")
	size := e.accounted(data)
	failpoint.Inject("nursery-full", func() {
		t.abort("injected nursery full")
	})
	if t.allocated+size > e.opts.NurseryCapacity {
		t.abort("nursery full")
	}
	id := ObjectID(e.nextID.Inc())
	t.allocs[id] = &pendingObject{data: copyBytes(data), refs: copyRefs(refs)}
	t.allocated += size
	return id
}

// Read returns the object's payload and references as seen by h's
// transaction: its own buffered writes first, the committed state
// otherwise. Reading an object that changed since the transaction started
// aborts it.
func (e *Engine) Read(h stm.ThreadHandle, id ObjectID) ([]byte, []ObjectID) {
	t := h.(*threadState)
	t.requireOpen("Read")
	if p, ok := t.allocs[id]; ok {
		return copyBytes(p.data), copyRefs(p.refs)
	}
	if p, ok := t.writes[id]; ok {
		return copyBytes(p.data), copyRefs(p.refs)
	}
	ver, data, refs, found := e.loadCell(id)
	if !found {
		panic(fmt.Sprintf("heap: read of unknown object %d", id))
	}
	if !t.inevitable {
		if ver > t.startVer {
			t.abort("stale read")
		}
		t.reads[id] = ver
	}
	return data, refs
}

// Write buffers a full replacement of the object's payload and references.
// Writing an object that changed since the transaction started aborts it.
func (e *Engine) Write(h stm.ThreadHandle, id ObjectID, data []byte, refs []ObjectID) {
	t := h.(*threadState)
	t.requireOpen("Write")
	if p, ok := t.allocs[id]; ok {
		p.data = copyBytes(data)
		p.refs = copyRefs(refs)
		return
	}
	ver, _, _, found := e.loadCell(id)
	if !found {
		panic(fmt.Sprintf("heap: write of unknown object %d", id))
	}
	if !t.inevitable {
		if ver > t.startVer {
			t.abort("stale write")
		}
		t.reads[id] = ver
	}
	t.writes[id] = &pendingObject{data: copyBytes(data), refs: copyRefs(refs)}
}

// loadCell copies one committed cell out under the tree lock.
func (e *Engine) loadCell(id ObjectID) (uint64, []byte, []ObjectID, bool) {
	e.treeMu.RLock()
	defer e.treeMu.RUnlock()
	item := e.tree.Get(&cell{id: id})
	if item == nil {
		return 0, nil, nil, false
	}
	c := item.(*cell)
	return c.version, copyBytes(c.data), copyRefs(c.refs), true
}
