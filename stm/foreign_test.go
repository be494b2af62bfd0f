package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnterForeignCallNestedEscalates(t *testing.T) {
	eng, c, tc := newTestController()
	c.mustCommit(tc)
	c.begin(tc, 0)

	same, token := c.EnterForeignCall(tc)
	assert.Equal(t, TokenNested, token)
	assert.True(t, same == tc)
	assert.Equal(t, 1, eng.countCalls("inevitable:"+reasonForeignCall))
	require.False(t, tc.Budget().IsUnlimited())
	assert.Equal(t, uint64(100000), tc.Budget().Limit())

	c.LeaveForeignCall(tc, token)
	// Nothing spent, so leaving keeps the transaction open.
	assert.Equal(t, 1, eng.countCalls("commit"))

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestEnterForeignCallOnInevitableChangesNothing(t *testing.T) {
	eng, c, tc := newTestController()

	// Registration left tc inside an inevitable transaction already.
	_, token := c.EnterForeignCall(tc)
	assert.Equal(t, TokenNested, token)
	assert.True(t, tc.Budget().IsUnlimited())
	assert.Equal(t, 0, eng.countCalls("inevitable:"+reasonForeignCall))

	c.LeaveForeignCall(tc, token)
	assert.Equal(t, 0, eng.countCalls("commit"))

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestForeignCallInsideAtomicQuartersSavedBudget(t *testing.T) {
	eng, c, tc := newTestController()
	c.mustCommit(tc)
	c.begin(tc, 0)
	tc.EnterAtomic()

	_, token := c.EnterForeignCall(tc)
	assert.Equal(t, TokenNested, token)
	// The live budget stays unlimited for the rest of the atomic section;
	// the shrink lands on the budget LeaveAtomic will restore.
	assert.True(t, tc.Budget().IsUnlimited())
	assert.Equal(t, 1, eng.countCalls("inevitable:"+reasonForeignCall))

	c.LeaveForeignCall(tc, token)
	assert.Equal(t, 1, eng.countCalls("commit"))

	tc.LeaveAtomic()
	require.False(t, tc.Budget().IsUnlimited())
	assert.Equal(t, uint64(100000), tc.Budget().Limit())

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestLeaveForeignCallCommitsSpentBudget(t *testing.T) {
	eng, c, tc := newTestController()
	h := tc.Handle().(*stubThread)
	c.mustCommit(tc)
	c.begin(tc, 0)
	h.allocated = 500000

	_, token := c.EnterForeignCall(tc)
	c.LeaveForeignCall(tc, token)

	assert.Equal(t, 2, eng.countCalls("commit"))
	assert.Equal(t, 2, eng.countCalls("start"))
	assert.True(t, tc.inTxn)
	require.False(t, tc.Budget().IsUnlimited())
	assert.Equal(t, uint64(400000), tc.Budget().Limit())

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestLeaveForeignCallDeliversCommitSoon(t *testing.T) {
	eng, c, tc := newTestController()
	h := tc.Handle().(*stubThread)
	c.mustCommit(tc)
	c.begin(tc, 0)

	_, token := c.EnterForeignCall(tc)
	// The pressure signal arrives while foreign code runs.
	h.commitSoon()
	c.LeaveForeignCall(tc, token)

	assert.Equal(t, 2, eng.countCalls("commit"))
	assert.Equal(t, 2, eng.countCalls("start"))
	require.False(t, tc.Budget().IsUnlimited())
	assert.Equal(t, uint64(400000), tc.Budget().Limit())

	c.Teardown(tc)
	require.NoError(t, c.Close())
}

func TestForeignAttachDetachCycle(t *testing.T) {
	eng, c, main := newTestController()
	// Free the inevitable slot so the attach can take it.
	c.mustCommit(main)
	c.begin(main, 0)

	fresh, token := c.EnterForeignCall(nil)
	require.NotNil(t, fresh)
	assert.Equal(t, TokenAttached, token)
	assert.True(t, fresh != main)
	assert.Equal(t, "foreign", fresh.Name())
	assert.True(t, fresh.Budget().IsUnlimited())
	assert.Equal(t, 2, eng.countCalls("start-inevitable"))

	c.LeaveForeignCall(fresh, token)
	assert.False(t, fresh.registered)
	assert.Equal(t, 2, eng.countCalls("commit"))

	c.Teardown(main)
	require.NoError(t, c.Close())
}

func TestForeignAttachBeforeConfigurePanics(t *testing.T) {
	eng := newStubEngine()
	c, main, err := Setup(eng)
	require.NoError(t, err)

	require.Panics(t, func() { c.EnterForeignCall(nil) })

	c.Teardown(main)
	require.NoError(t, c.Close())
}

func TestLeaveForeignCallUnknownTokenPanics(t *testing.T) {
	_, c, tc := newTestController()

	require.Panics(t, func() { c.LeaveForeignCall(tc, Token(7)) })

	c.Teardown(tc)
	require.NoError(t, c.Close())
}
