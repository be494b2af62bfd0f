package stm

import "fmt"

// baseTransactionLength is the default transaction size in nursery bytes,
// selected by ConfigureTransactionLength(1.0).
const baseTransactionLength = 400000

// Budget bounds how many nursery bytes a transaction may consume before it
// should end at its next voluntary break. The zero value is Bounded(0).
type Budget struct {
	limit     uint64
	unlimited bool
}

// Bounded returns a budget of limit nursery bytes.
func Bounded(limit uint64) Budget { return Budget{limit: limit} }

// Unlimited returns the budget that never triggers a voluntary end, used
// inside atomic sections and before the first configuration call.
func Unlimited() Budget { return Budget{unlimited: true} }

func (b Budget) IsUnlimited() bool { return b.unlimited }

// Limit is the bounded byte limit; meaningless for unlimited budgets.
func (b Budget) Limit() uint64 { return b.limit }

func (b Budget) String() string {
	if b.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d bytes", b.limit)
}

// quartered shrinks the budget to a quarter of its remaining margin.
// Applied when a transaction becomes inevitable: it blocks every
// conflicting peer, so it has to stay short.
func (b Budget) quartered() Budget {
	if b.unlimited {
		return b
	}
	return Bounded(b.limit >> 2)
}

// drained forces a positive bounded budget to zero so the transaction ends
// at its next voluntary break. Unlimited and already-spent budgets are
// left alone.
func (b Budget) drained() Budget {
	if b.unlimited || b.limit == 0 {
		return b
	}
	return Bounded(0)
}

// clampLength turns a configured fraction into a transaction length in
// nursery bytes. Negative fractions keep the process-start state: no limit
// at all until the runtime configures one. The result never exceeds three
// quarters of the nursery, so a transaction always has room to finish.
func clampLength(fraction float64, nurseryCapacity uint64) int64 {
	if fraction < 0 {
		return -1
	}
	length := int64(fraction * baseTransactionLength)
	if max := int64(nurseryCapacity / 4 * 3); length > max {
		length = max
	}
	return length
}

// computeBudget produces the budget for one attempt of a unit of work.
// Attempt 0 takes the configured length. Retries take 15/16 of whatever
// the aborted attempt had actually consumed, so repeatedly conflicting
// transactions shrink geometrically until they fit under their conflict
// window.
func computeBudget(attempt int, configuredLength int64, lastAbortBytes uint64) Budget {
	if attempt > 0 {
		return Bounded(lastAbortBytes - lastAbortBytes>>4)
	}
	if configuredLength < 0 {
		return Unlimited()
	}
	return Bounded(uint64(configuredLength))
}
