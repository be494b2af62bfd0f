package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicNestingSavesAndRestoresBudget(t *testing.T) {
	_, c, tc := newTestController()
	defer func() {
		c.Teardown(tc)
		require.NoError(t, c.Close())
	}()

	tc.budget = Bounded(1234)
	tc.EnterAtomic()
	assert.True(t, tc.budget.IsUnlimited())
	assert.True(t, tc.InAtomic())

	tc.EnterAtomic()
	tc.EnterAtomic()
	assert.Equal(t, 3, tc.atomicDepth)

	tc.LeaveAtomic()
	tc.LeaveAtomic()
	assert.True(t, tc.budget.IsUnlimited())

	tc.LeaveAtomic()
	assert.False(t, tc.InAtomic())
	require.False(t, tc.budget.IsUnlimited())
	assert.Equal(t, uint64(1234), tc.budget.Limit())
}

func TestLeaveAtomicAtDepthZeroPanics(t *testing.T) {
	_, c, tc := newTestController()
	defer func() {
		c.Teardown(tc)
		require.NoError(t, c.Close())
	}()

	require.Panics(t, func() { tc.LeaveAtomic() })
}

func TestCommitSoonDrainsIntoLiveBudget(t *testing.T) {
	_, c, tc := newTestController()
	defer func() {
		c.Teardown(tc)
		require.NoError(t, c.Close())
	}()

	tc.budget = Bounded(400000)
	tc.noteCommitSoon()
	tc.drainCommitSoon()
	require.False(t, tc.budget.IsUnlimited())
	assert.Equal(t, uint64(0), tc.budget.Limit())

	// Unlimited budgets are left alone.
	tc.budget = Unlimited()
	tc.noteCommitSoon()
	tc.drainCommitSoon()
	assert.True(t, tc.budget.IsUnlimited())
}

func TestCommitSoonWhileAtomicClearsSavedBudget(t *testing.T) {
	_, c, tc := newTestController()
	defer func() {
		c.Teardown(tc)
		require.NoError(t, c.Close())
	}()

	tc.budget = Bounded(400000)
	tc.EnterAtomic()
	tc.noteCommitSoon()
	tc.drainCommitSoon()

	// The live budget stays unlimited: atomic sections are never cut short.
	assert.True(t, tc.budget.IsUnlimited())

	tc.LeaveAtomic()
	require.False(t, tc.budget.IsUnlimited())
	assert.Equal(t, uint64(0), tc.budget.Limit())
}

func TestDrainWithoutSignalChangesNothing(t *testing.T) {
	_, c, tc := newTestController()
	defer func() {
		c.Teardown(tc)
		require.NoError(t, c.Close())
	}()

	tc.budget = Bounded(400000)
	tc.drainCommitSoon()
	assert.Equal(t, uint64(400000), tc.budget.Limit())
}

func TestPopRootUnderflowPanics(t *testing.T) {
	_, c, tc := newTestController()
	defer func() {
		c.Teardown(tc)
		require.NoError(t, c.Close())
	}()

	require.Panics(t, func() { tc.PopRoot() })
}
