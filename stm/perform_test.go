package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformThreeCycles(t *testing.T) {
	eng, c, tc := newTestController()
	outcomes := []int{1, 1, 0}
	var attempts []int

	result := c.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
		attempts = append(attempts, attempt)
		out := outcomes[0]
		outcomes = outcomes[1:]
		return out
	})

	assert.Equal(t, 0, result)
	assert.Equal(t, []int{0, 0, 0}, attempts)
	assert.Equal(t, 3, eng.countCalls("start"))
	assert.Equal(t, 3, eng.countCalls("commit"))
	assert.Equal(t, 1, eng.countCalls("inevitable:"+reasonPerformExit))

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestPerformRetryAfterAbortShrinksBudget(t *testing.T) {
	eng, c, tc := newTestController()
	h := tc.Handle().(*stubThread)

	var budgetSeen Budget
	calls := 0
	c.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
		calls++
		if attempt == 0 {
			h.allocated = 48000
			eng.abortCurrent(h, "stale read", 48000)
		}
		budgetSeen = tc.Budget()
		require.Equal(t, 1, attempt)
		return 0
	})

	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(48000), tc.lastAbortBytes)
	require.False(t, budgetSeen.IsUnlimited())
	assert.Equal(t, uint64(48000-48000>>4), budgetSeen.Limit())
	assert.Equal(t, 2, eng.countCalls("start"))

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestPerformCommitConflictCountsAsAbort(t *testing.T) {
	eng, c, tc := newTestController()
	// First commit ends the registration transaction; the second one, for
	// the first unit of work, conflicts.
	eng.commitResults = []error{nil, &ConflictError{Reason: "write skew", BytesInNursery: 32000}}

	var attempts []int
	c.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
		attempts = append(attempts, attempt)
		if len(attempts) == 1 {
			return 1
		}
		return 0
	})

	assert.Equal(t, []int{0, 1}, attempts)
	assert.Equal(t, uint64(32000), tc.lastAbortBytes)
	require.False(t, tc.Budget().IsUnlimited())
	assert.Equal(t, 2, eng.countCalls("start"))

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestPerformAttemptResetsOnFreshUnit(t *testing.T) {
	eng, c, tc := newTestController()
	h := tc.Handle().(*stubThread)

	var attempts []int
	calls := 0
	c.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
		calls++
		attempts = append(attempts, attempt)
		switch calls {
		case 1:
			eng.abortCurrent(h, "stale read", 1000)
			return 0
		case 2:
			return 1
		default:
			return 0
		}
	})

	assert.Equal(t, []int{0, 1, 0}, attempts)

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestPerformAtomicSectionSkipsCommitAndBegin(t *testing.T) {
	eng, c, tc := newTestController()

	calls := 0
	c.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
		calls++
		switch calls {
		case 1:
			tc.EnterAtomic()
			return 1
		case 2:
			require.Equal(t, 1, eng.countCalls("start"))
			return 1
		default:
			tc.LeaveAtomic()
			return 0
		}
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, eng.countCalls("start"))
	// Only the registration transaction committed; the unit transaction
	// stayed open across all three rounds.
	assert.Equal(t, 1, eng.countCalls("commit"))
	assert.Equal(t, 1, eng.countCalls("inevitable:"+reasonPerformExit))
	// Exit escalation quartered the budget restored by LeaveAtomic.
	require.False(t, tc.Budget().IsUnlimited())
	assert.Equal(t, uint64(100000), tc.Budget().Limit())

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestPerformExitEscalationConflictRerunsUnit(t *testing.T) {
	eng, c, tc := newTestController()
	eng.escalateConflicts = 1

	var attempts []int
	c.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
		attempts = append(attempts, attempt)
		return 0
	})

	assert.Equal(t, []int{0, 1}, attempts)
	assert.Equal(t, 2, eng.countCalls("start"))
	assert.Equal(t, 1, eng.countCalls("inevitable:"+reasonPerformExit))

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestPerformOutcomePropagated(t *testing.T) {
	_, c, tc := newTestController()

	result := c.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
		return -7
	})
	assert.Equal(t, -7, result)

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestPerformPassesArgThrough(t *testing.T) {
	_, c, tc := newTestController()

	type rootSet struct{ hit bool }
	arg := &rootSet{}
	c.PerformTransaction(tc, arg, func(got interface{}, attempt int) int {
		got.(*rootSet).hit = true
		return 0
	})
	assert.True(t, arg.hit)

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestPerformRootImbalancePanics(t *testing.T) {
	_, c, tc := newTestController()

	require.Panics(t, func() {
		c.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
			tc.PushRoot("stray")
			return 0
		})
	})
}

func TestPerformNilWorkPanics(t *testing.T) {
	_, c, tc := newTestController()
	require.Panics(t, func() { c.PerformTransaction(tc, nil, nil) })

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestPerformUnexpectedPanicPropagates(t *testing.T) {
	_, c, tc := newTestController()

	require.Panics(t, func() {
		c.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
			panic("caller bug")
		})
	})
}
