package heap

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/juju/ratelimit"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap-incubator/tinystm/util/worker"
)

const defaultBTreeDegree = 64

var _ stm.Engine = (*Engine)(nil)

// Engine is an in-memory object heap with optimistic concurrency control.
// Objects live in a version-stamped directory; each transaction buffers
// its reads, writes, and allocations privately and publishes them at
// commit after revalidating everything it read. One transaction at a time
// may be inevitable: it can no longer abort, and other transactions cannot
// commit while it runs.
type Engine struct {
	opts Options

	// clock is the commit timestamp authority; nextID mints object ids.
	clock  *atomic.Uint64
	nextID *atomic.Uint64

	treeMu sync.RWMutex
	tree   *btree.BTree

	stripes []sync.Mutex

	mu         sync.Mutex
	cond       *sync.Cond
	threads    map[*threadState]struct{}
	activeTxns int
	committing int
	inevOwner  *threadState
	stopWorld  *threadState

	// stopPending mirrors stopWorld for the lock-free budget check.
	stopPending *atomic.Bool

	snapshotLimiter *ratelimit.Bucket

	maintWG     sync.WaitGroup
	tickerWG    sync.WaitGroup
	maintWorker *worker.Worker
	tickerStop  chan struct{}

	started bool
	stopped bool
}

// NewEngine builds an engine from opts. Call Start before registering
// threads.
func NewEngine(opts Options) *Engine {
	opts.fillDefaults()
	e := &Engine{
		opts:        opts,
		clock:       atomic.NewUint64(0),
		nextID:      atomic.NewUint64(0),
		tree:        btree.New(defaultBTreeDegree),
		stripes:     make([]sync.Mutex, opts.StripeCount),
		threads:     make(map[*threadState]struct{}),
		stopPending: atomic.NewBool(false),
	}
	e.cond = sync.NewCond(&e.mu)
	if opts.SnapshotBytesPerSec > 0 {
		e.snapshotLimiter = ratelimit.NewBucketWithRate(
			float64(opts.SnapshotBytesPerSec), opts.SnapshotBytesPerSec)
	}
	return e
}

func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("heap: engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if e.opts.PressureInterval > 0 {
		e.maintWorker = worker.NewWorker("heap-maintenance", &e.maintWG)
		e.maintWorker.Start(&maintenanceHandler{eng: e})
		e.tickerStop = make(chan struct{})
		e.tickerWG.Add(1)
		go e.runTicker()
	}
	log.Info("heap engine started",
		zap.Uint64("nursery-capacity", e.opts.NurseryCapacity),
		zap.Int("stripes", e.opts.StripeCount),
		zap.Duration("pressure-interval", e.opts.PressureInterval))
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return errors.New("heap: engine not running")
	}
	n := len(e.threads)
	if n != 0 {
		e.mu.Unlock()
		return errors.Errorf("heap: stopping with %d threads still registered", n)
	}
	e.stopped = true
	e.mu.Unlock()

	// The ticker feeds the worker, so it has to drain first.
	if e.tickerStop != nil {
		close(e.tickerStop)
		e.tickerWG.Wait()
	}
	if e.maintWorker != nil {
		e.maintWorker.Stop()
	}
	e.maintWG.Wait()
	log.Info("heap engine stopped")
	return nil
}

func (e *Engine) NurseryCapacity() uint64 { return e.opts.NurseryCapacity }

func (e *Engine) RegisterThread(name string, commitSoon func()) (stm.ThreadHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return nil, errors.New("heap: engine not running")
	}
	t := &threadState{eng: e, name: name, commitSoon: commitSoon}
	t.resetTxn()
	e.threads[t] = struct{}{}
	return t, nil
}

func (e *Engine) UnregisterThread(h stm.ThreadHandle) {
	t := h.(*threadState)
	if t.open {
		panic(fmt.Sprintf("heap: unregistering %s with an open transaction", t.name))
	}
	e.mu.Lock()
	delete(e.threads, t)
	e.mu.Unlock()
}

// StartTransaction opens an abortable transaction bound to ckpt. Parks
// while a globally unique transaction runs.
func (e *Engine) StartTransaction(h stm.ThreadHandle, ckpt stm.Checkpoint) {
	t := h.(*threadState)
	if t.open {
		panic(fmt.Sprintf("heap: %s starting over an open transaction", t.name))
	}
	e.mu.Lock()
	for e.stopWorld != nil {
		e.cond.Wait()
	}
	e.activeTxns++
	e.mu.Unlock()

	t.open = true
	t.inevitable = false
	t.ckpt = ckpt
	t.startVer = e.clock.Load()
	t.resetTxn()
}

// StartInevitableTransaction opens a transaction that is inevitable from
// its first instruction. Blocks until the inevitable slot frees up,
// nudging the current owner to commit soon.
func (e *Engine) StartInevitableTransaction(h stm.ThreadHandle) {
	t := h.(*threadState)
	if t.open {
		panic(fmt.Sprintf("heap: %s starting over an open transaction", t.name))
	}
	start := time.Now()
	e.mu.Lock()
	for e.inevOwner != nil || e.stopWorld != nil || e.committing > 0 {
		if e.inevOwner != nil && e.inevOwner.commitSoon != nil {
			e.inevOwner.commitSoon()
		}
		e.cond.Wait()
	}
	e.inevOwner = t
	e.activeTxns++
	e.mu.Unlock()
	inevitableWaitDuration.Observe(time.Since(start).Seconds())

	t.open = true
	t.inevitable = true
	t.ckpt = 0
	t.startVer = e.clock.Load()
	t.resetTxn()
}

// endTxn closes t's transaction and releases whatever global state it
// held: the inevitable slot, the stop-world claim, the committing count.
func (e *Engine) endTxn(t *threadState) {
	e.mu.Lock()
	t.open = false
	t.inevitable = false
	if t.committing {
		t.committing = false
		e.committing--
	}
	if e.inevOwner == t {
		e.inevOwner = nil
	}
	if e.stopWorld == t {
		e.stopWorld = nil
		e.stopPending.Store(false)
	}
	e.activeTxns--
	e.cond.Broadcast()
	e.mu.Unlock()
	t.resetTxn()
}

// ShouldEndTransaction reports whether the transaction has allocated past
// its budget, or a whole-heap operation is waiting for the world to drain.
func (e *Engine) ShouldEndTransaction(h stm.ThreadHandle, b stm.Budget) bool {
	t := h.(*threadState)
	t.requireOpen("ShouldEndTransaction")
	if e.stopPending.Load() && !t.inevitable {
		return true
	}
	if b.IsUnlimited() {
		return false
	}
	return t.allocated >= b.Limit()
}

func (e *Engine) ActiveCheckpoint(h stm.ThreadHandle) (stm.Checkpoint, bool) {
	t := h.(*threadState)
	return t.ckpt, t.open && !t.inevitable
}

func (e *Engine) PushRoot(h stm.ThreadHandle, root interface{}) {
	t := h.(*threadState)
	t.roots = append(t.roots, root)
}

func (e *Engine) PopRoot(h stm.ThreadHandle) interface{} {
	t := h.(*threadState)
	if len(t.roots) == 0 {
		panic(fmt.Sprintf("heap: root stack underflow on %s", t.name))
	}
	root := t.roots[len(t.roots)-1]
	t.roots = t.roots[:len(t.roots)-1]
	return root
}

// SeedObject installs an object outside any transaction, for building the
// initial heap before workers run or for restoring a snapshot. Not safe
// concurrently with transactions.
func (e *Engine) SeedObject(data []byte, refs []ObjectID) ObjectID {
	id := ObjectID(e.nextID.Inc())
	c := &cell{id: id, version: e.clock.Load(), data: copyBytes(data), refs: copyRefs(refs)}
	e.treeMu.Lock()
	e.tree.ReplaceOrInsert(c)
	e.treeMu.Unlock()
	return id
}

// Inspect reads an object's committed state without a transaction, for
// tests and tooling.
func (e *Engine) Inspect(id ObjectID) ([]byte, []ObjectID, bool) {
	_, data, refs, found := e.loadCell(id)
	return data, refs, found
}

// ObjectCount is the number of committed objects in the directory.
func (e *Engine) ObjectCount() int {
	e.treeMu.RLock()
	defer e.treeMu.RUnlock()
	return e.tree.Len()
}

// CommitSoonAll asks every registered worker to end its transaction at the
// next safe point. Safe from any goroutine.
func (e *Engine) CommitSoonAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for t := range e.threads {
		if t.commitSoon != nil {
			t.commitSoon()
		}
	}
}
