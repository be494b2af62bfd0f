package stm

import (
	"fmt"

	"github.com/pingcap/errors"
)

// stubEngine is a scripted single-goroutine Engine for controller tests:
// it records every lifecycle call and lets tests queue commit conflicts,
// escalation conflicts, and nursery fill levels.
type stubEngine struct {
	capacity uint64
	started  bool
	stopped  bool

	threads   []*stubThread
	inevOwner *stubThread

	calls             []string
	commitResults     []error
	escalateConflicts int
	forceEnd          bool
}

type stubThread struct {
	eng        *stubEngine
	name       string
	commitSoon func()
	roots      []interface{}

	ckpt       Checkpoint
	open       bool
	inevitable bool
	allocated  uint64
}

func newStubEngine() *stubEngine {
	return &stubEngine{capacity: 1 << 20}
}

func (e *stubEngine) countCalls(name string) int {
	n := 0
	for _, c := range e.calls {
		if c == name {
			n++
		}
	}
	return n
}

// abortCurrent mimics a mid-transaction conflict detected by an engine
// operation: the engine-side transaction closes, then the unwind starts.
func (e *stubEngine) abortCurrent(h ThreadHandle, reason string, bytes uint64) {
	t := h.(*stubThread)
	if !t.open {
		panic("stub: abort without an open transaction")
	}
	t.open = false
	t.allocated = 0
	if e.inevOwner == t {
		e.inevOwner = nil
	}
	e.calls = append(e.calls, "abort")
	Abort(reason, bytes)
}

func (e *stubEngine) Start() error {
	e.started = true
	return nil
}

func (e *stubEngine) Stop() error {
	e.stopped = true
	return nil
}

func (e *stubEngine) NurseryCapacity() uint64 { return e.capacity }

func (e *stubEngine) RegisterThread(name string, commitSoon func()) (ThreadHandle, error) {
	if !e.started {
		return nil, errors.New("stub engine not started")
	}
	t := &stubThread{eng: e, name: name, commitSoon: commitSoon}
	e.threads = append(e.threads, t)
	return t, nil
}

func (e *stubEngine) UnregisterThread(h ThreadHandle) {
	t := h.(*stubThread)
	if t.open {
		panic("stub: unregistering a thread with an open transaction")
	}
}

func (e *stubEngine) StartTransaction(h ThreadHandle, ckpt Checkpoint) {
	t := h.(*stubThread)
	if t.open {
		panic("stub: starting over an open transaction")
	}
	t.open = true
	t.inevitable = false
	t.ckpt = ckpt
	t.allocated = 0
	e.calls = append(e.calls, "start")
}

func (e *stubEngine) StartInevitableTransaction(h ThreadHandle) {
	t := h.(*stubThread)
	if t.open {
		panic("stub: starting over an open transaction")
	}
	if e.inevOwner != nil {
		panic("stub: second inevitable transaction")
	}
	t.open = true
	t.inevitable = true
	t.ckpt = 0
	t.allocated = 0
	e.inevOwner = t
	e.calls = append(e.calls, "start-inevitable")
}

func (e *stubEngine) CommitTransaction(h ThreadHandle) error {
	t := h.(*stubThread)
	if !t.open {
		panic("stub: commit without an open transaction")
	}
	var err error
	if len(e.commitResults) > 0 {
		err = e.commitResults[0]
		e.commitResults = e.commitResults[1:]
	}
	t.open = false
	t.allocated = 0
	if e.inevOwner == t {
		e.inevOwner = nil
	}
	t.inevitable = false
	e.calls = append(e.calls, "commit")
	return err
}

func (e *stubEngine) BecomeInevitable(h ThreadHandle, reason string) {
	t := h.(*stubThread)
	if !t.open {
		panic("stub: escalating without an open transaction")
	}
	if t.inevitable {
		return
	}
	if e.escalateConflicts > 0 {
		e.escalateConflicts--
		e.abortCurrent(h, "escalation validation", t.allocated)
	}
	if e.inevOwner != nil {
		panic("stub: second inevitable transaction")
	}
	t.inevitable = true
	e.inevOwner = t
	e.calls = append(e.calls, "inevitable:"+reason)
}

func (e *stubEngine) BecomeGloballyUniqueTransaction(h ThreadHandle, reason string) {
	e.BecomeInevitable(h, reason)
	e.calls = append(e.calls, "globally-unique:"+reason)
}

func (e *stubEngine) ShouldEndTransaction(h ThreadHandle, b Budget) bool {
	t := h.(*stubThread)
	if e.forceEnd {
		return true
	}
	if b.IsUnlimited() {
		return false
	}
	return t.allocated >= b.Limit()
}

func (e *stubEngine) ActiveCheckpoint(h ThreadHandle) (Checkpoint, bool) {
	t := h.(*stubThread)
	return t.ckpt, t.open && !t.inevitable
}

func (e *stubEngine) PushRoot(h ThreadHandle, root interface{}) {
	t := h.(*stubThread)
	t.roots = append(t.roots, root)
}

func (e *stubEngine) PopRoot(h ThreadHandle) interface{} {
	t := h.(*stubThread)
	if len(t.roots) == 0 {
		panic("stub: root stack underflow")
	}
	root := t.roots[len(t.roots)-1]
	t.roots = t.roots[:len(t.roots)-1]
	return root
}

// newTestController wires a stub engine to a fresh controller with the
// default transaction length configured.
func newTestController() (*stubEngine, *Controller, *ThreadContext) {
	eng := newStubEngine()
	c, tc, err := Setup(eng)
	if err != nil {
		panic(fmt.Sprintf("setup failed: %v", err))
	}
	c.ConfigureTransactionLength(1.0)
	return eng, c, tc
}
