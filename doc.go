// Package ntsync is a NUMA-aware, hierarchical implementation of the
// three usual thread-coordination primitives — barrier, mutex, and
// condition variable — each shaped as a tree that mirrors the
// machine's socket/NUMA-node/core topology, so that most contention
// stays local to a core or a node instead of crossing the whole
// machine on every operation.
//
// A Runtime discovers the machine's topology once and hosts the
// thread registry every primitive is built against; Barrier, Mutex
// and Condvar are thin handles over the low-level tree-node packages
// in internal/, selecting the calling thread's leaf from the
// worker.Handle its entry point was invoked with.
package ntsync
