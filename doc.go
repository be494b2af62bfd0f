package tinystm

/*
TinySTM is a transactional-execution runtime intended for teaching and experimentation. It is not suitable for
production use. It implements the controller layer an interpreter or managed-language runtime sits on when its
object heap is a software transactional memory, in the style of the PyPy STM work.

Worker goroutines are never observed outside a transaction: the controller begins one when a thread attaches,
chops long-running work into bounded transactions, retries aborted units with a shrinking nursery budget, and
escalates to an inevitable (unabortable) transaction when a unit must survive its resume point or call foreign
code.

Building TinySTM produces one executable: stm-bench, a bank-transfer workload that drives the controller over
the reference heap engine and reports commit, conflict, and abort-size statistics.

The `tinystm` module is organized into the following packages:

* `stm`: the controller. Budgets, thread contexts, the transaction-perform loop, and the foreign-call bridge,
  all driving a pluggable Engine interface.
* `heap`: the reference engine. A version-stamped object directory with optimistic validation, young-object
  promotion, inevitable and stop-world modes, memory-pressure monitoring, and badger snapshots.
* `config`: TOML process configuration shared by binaries and tests.
* `util/worker`: the background task worker used by the heap's maintenance loop.
*/
