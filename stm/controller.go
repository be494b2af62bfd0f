package stm

import (
	"fmt"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Controller drives transactional execution over an Engine: it owns the
// process-wide transaction length, registers worker contexts, and runs the
// begin/commit/retry machinery around caller-supplied units of work.
type Controller struct {
	engine Engine

	// txnLength is the configured transaction length in nursery bytes,
	// negative until the first ConfigureTransactionLength call. Written
	// rarely, read by every transaction start.
	txnLength *atomic.Int64

	abortSizes *abortSizeFilter

	mu      sync.Mutex
	threads map[*ThreadContext]struct{}
}

// Setup starts the engine and registers the calling goroutine, which holds
// an inevitable transaction when Setup returns. The transaction length
// starts unlimited and stays that way until the first
// ConfigureTransactionLength call.
func Setup(engine Engine) (*Controller, *ThreadContext, error) {
	if err := engine.Start(); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	c := &Controller{
		engine:     engine,
		txnLength:  atomic.NewInt64(-1),
		abortSizes: newAbortSizeFilter(abortSizeWindow),
		threads:    make(map[*ThreadContext]struct{}),
	}
	tc, err := c.RegisterThread("main")
	if err != nil {
		_ = engine.Stop()
		return nil, nil, err
	}
	log.Info("stm controller ready",
		zap.Uint64("nursery-capacity", engine.NurseryCapacity()))
	return c, tc, nil
}

// Teardown unregisters the calling context only. Engine-wide shutdown is
// Close, reserved for binaries and test harnesses.
func (c *Controller) Teardown(tc *ThreadContext) {
	c.DeregisterThread(tc)
}

// Close stops the engine. All contexts must have been deregistered.
func (c *Controller) Close() error {
	c.mu.Lock()
	n := len(c.threads)
	c.mu.Unlock()
	if n != 0 {
		panic(fmt.Sprintf("stm: Close with %d contexts still registered", n))
	}
	return c.engine.Stop()
}

// ConfigureTransactionLength sets the process-wide transaction length to
// fraction of the default, clamped to three quarters of the nursery
// capacity. Fraction 1.0 selects the default; a negative fraction restores
// the unconfigured, unlimited state.
func (c *Controller) ConfigureTransactionLength(fraction float64) {
	length := clampLength(fraction, c.engine.NurseryCapacity())
	c.txnLength.Store(length)
	configuredLengthGauge.Set(float64(length))
	log.Info("transaction length configured",
		zap.Float64("fraction", fraction), zap.Int64("bytes", length))
}

// RegisterThread attaches the calling goroutine and immediately starts an
// inevitable transaction for it: a registered worker is never observed
// outside a transaction. The returned context must only be used from this
// goroutine.
func (c *Controller) RegisterThread(name string) (*ThreadContext, error) {
	tc := &ThreadContext{c: c, name: name, budget: Unlimited()}
	h, err := c.engine.RegisterThread(name, tc.noteCommitSoon)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tc.h = h
	tc.registered = true
	c.trackThread(tc, true)
	c.engine.StartInevitableTransaction(h)
	tc.inTxn = true
	transactionsStartedCounter.WithLabelValues("inevitable").Inc()
	log.Debug("worker registered", zap.String("worker", name))
	return tc, nil
}

// DeregisterThread commits the context's open transaction and detaches it.
// The context must not be inside an atomic section and is unusable
// afterwards.
func (c *Controller) DeregisterThread(tc *ThreadContext) {
	tc.assertRegistered("DeregisterThread")
	if tc.atomicDepth != 0 {
		panic(fmt.Sprintf("stm: deregistering %s inside an atomic section", tc.name))
	}
	if tc.roots != 0 {
		panic(fmt.Sprintf("stm: deregistering %s with %d roots still pushed", tc.name, tc.roots))
	}
	if tc.inTxn {
		c.mustCommit(tc)
	}
	c.engine.UnregisterThread(tc.h)
	tc.registered = false
	c.trackThread(tc, false)
	log.Debug("worker deregistered", zap.String("worker", tc.name))
}

// ShouldEndTransaction reports whether the running transaction has spent
// its budget, or the engine wants it gone. Units of work poll this between
// steps and return a positive outcome to break the transaction at a safe
// point. Always false inside an atomic section.
func (c *Controller) ShouldEndTransaction(tc *ThreadContext) bool {
	tc.drainCommitSoon()
	if tc.atomicDepth > 0 {
		return false
	}
	return c.engine.ShouldEndTransaction(tc.h, tc.budget)
}

// EscalateInevitable converts tc's transaction into the single inevitable
// transaction, shrinking its budget first. Blocks until the engine grants
// inevitability; may conflict-abort if the transaction's reads turn out
// stale at conversion.
func (c *Controller) EscalateInevitable(tc *ThreadContext, reason string) {
	c.escalate(tc, reason)
}

// EscalateGloballyUnique makes tc's transaction the only one running
// process-wide, for whole-heap operations that must not observe concurrent
// transactions. The budget shrink applies only while the transaction is
// still abortable.
func (c *Controller) EscalateGloballyUnique(tc *ThreadContext, reason string) {
	if _, abortable := c.engine.ActiveCheckpoint(tc.h); abortable {
		tc.shrinkForInevitable()
	}
	c.engine.BecomeGloballyUniqueTransaction(tc.h, reason)
	escalationsCounter.WithLabelValues("globally-unique").Inc()
}

// MedianAbortBytes is the rolling median of recent abort sizes, the signal
// the retry shrink reacts to.
func (c *Controller) MedianAbortBytes() float64 {
	return c.abortSizes.median()
}

// AbortCount is the number of conflict aborts absorbed by retry loops since
// setup.
func (c *Controller) AbortCount() uint64 {
	return c.abortSizes.total()
}

func (c *Controller) trackThread(tc *ThreadContext, add bool) {
	c.mu.Lock()
	if add {
		c.threads[tc] = struct{}{}
	} else {
		delete(c.threads, tc)
	}
	n := len(c.threads)
	c.mu.Unlock()
	registeredThreadsGauge.Set(float64(n))
}
