package ntsync

import (
	"github.com/ntsync/ntsync/internal/errtype"
	"github.com/ntsync/ntsync/internal/treemutex"
	"github.com/ntsync/ntsync/internal/worker"
)

// Mutex is the high-level tree-structured mutex (spec §4.5). Like
// Barrier, the zero value defers real setup to the first call that
// carries a Runtime (spec §7's first-use initialization).
type Mutex struct {
	lazy lazyInit
	rt   *Runtime
	tm   *treemutex.TreeMutex
}

// NewMutex eagerly builds a Mutex against rt.
func NewMutex(rt *Runtime) *Mutex {
	m := &Mutex{rt: rt}
	m.lazy.ensure(m.init)
	return m
}

func (m *Mutex) init() {
	m.tm = treemutex.New(m.rt.Shape, m.rt.Registry)
	m.rt.registerMutex(m.tm)
}

func (m *Mutex) ensureFor(rt *Runtime) {
	if m.rt == nil {
		m.rt = rt
	}
	m.lazy.ensure(m.init)
}

// Lock acquires the mutex on behalf of the calling thread (spec §4.5).
func (m *Mutex) Lock(rt *Runtime, h *worker.Handle) error {
	m.ensureFor(rt)
	return m.tm.Lock(h.FuncIdx, h.CoreID, h.ThreadIdx)
}

// TryLock is spec §4.5's non-blocking acquire attempt: it never spins
// or blocks at any level, but it does walk the full ancestor chain
// (CAS-only, rolling back on contention) rather than stopping at the
// leaf, so a successful TryLock still satisfies the mutex's invariant
// that a held leaf's ancestors are held by the same lineage (see
// internal/treemutex.TreeMutex.TryLock and DESIGN.md).
func (m *Mutex) TryLock(rt *Runtime, h *worker.Handle) (bool, error) {
	m.ensureFor(rt)
	return m.tm.TryLock(h.FuncIdx, h.CoreID, h.ThreadIdx)
}

// Unlock releases the mutex. Spec §4.5 treats an unlock by anything
// other than the current owner as a programming error; the
// low-level layer reports it as errtype.Mismatch.
func (m *Mutex) Unlock(h *worker.Handle) error {
	return m.tm.Unlock(h.FuncIdx, h.CoreID, h.ThreadIdx)
}

// Destroy is spec §7's NotImplemented case for mutex destroy: the
// core as described never actually reclaims a tree-mutex's nodes, so
// this reports the operation as unsupported rather than silently
// invalidating a handle other threads may still be holding ancestors
// of.
func (m *Mutex) Destroy() error {
	return errtype.Wrap(errtype.NotImplemented, "mutex: destroy is not implemented")
}
