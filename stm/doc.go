/*
Package stm is the transactional-execution controller that sits between a
managed runtime and a software-transactional-memory heap. It turns
caller-supplied units of work into serializable transactions with automatic
retry on conflict, sizes transactions adaptively to balance throughput
against abort cost, and escalates a transaction to the process's single
inevitable one when it can no longer be allowed to abort.

The heap itself is a collaborator behind the Engine interface; package heap
provides the reference implementation. A worker attaches once, then drives
everything through its ThreadContext:

	c, main, err := stm.Setup(engine)
	...
	c.ConfigureTransactionLength(1.0)

	tc, _ := c.RegisterThread("worker-1")
	c.PerformTransaction(tc, handle, func(arg interface{}, attempt int) int {
		// transactional reads/writes/allocations via tc.Handle()
		if moreToDo {
			return 1 // fresh unit under a fresh transaction
		}
		return 0 // done
	})
	c.DeregisterThread(tc)

A registered worker always holds an open transaction. Between units of
work the controller commits and restarts it; a conflict abort re-runs the
current unit with the attempt counter incremented and the budget shrunk to
15/16 of what the failed attempt had consumed. EnterAtomic/LeaveAtomic
fuse several units into one indivisible transaction, and the foreign-call
bridge (EnterForeignCall/LeaveForeignCall) keeps the bookkeeping sound
when control crosses into non-transactional code.
*/
package stm
