// Package heap is the reference transactional heap behind the stm
// controller. Objects are flat payloads plus reference lists, stored in an
// ordered directory stamped with commit timestamps. Transactions buffer
// effects privately, validate their reads optimistically, and publish
// under a striped lock table; allocations live in a per-thread nursery and
// only the ones still reachable at commit survive.
//
// The engine enforces the controller's global modes: one inevitable
// transaction at a time, with waiters nudging the holder to commit soon,
// and a stop-world mode where a single globally unique transaction can
// scan the directory, for example to write a snapshot with SnapshotTo.
package heap
