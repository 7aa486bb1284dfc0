package ntsync

import (
	"github.com/ntsync/ntsync/internal/treecond"
	"github.com/ntsync/ntsync/internal/worker"
)

// Condvar is the high-level tree-structured condition variable (spec
// §4.6).
type Condvar struct {
	lazy lazyInit
	rt   *Runtime
	mode treecond.Mode
	k    int
	tc   *treecond.TreeCond
}

// NewCondvar builds a Condvar in the given distribution mode (spec
// §9's Open Question: mode is a handle-creation argument rather than a
// build-time constant). shardK is only meaningful in
// treecond.StaticallySharded mode.
func NewCondvar(rt *Runtime, mode treecond.Mode, shardK int) *Condvar {
	c := &Condvar{rt: rt, mode: mode, k: shardK}
	c.lazy.ensure(c.init)
	return c
}

func (c *Condvar) init() {
	c.tc = treecond.New(c.mode, c.rt.Shape, c.k)
}

// Wait binds the condvar to m on first use, then suspends the calling
// thread until woken, re-acquiring m before returning (spec §4.6).
func (c *Condvar) Wait(m *Mutex, h *worker.Handle) error {
	return c.tc.Wait(m.tm, h.FuncIdx, h.CoreID, h.ThreadIdx)
}

// Signal wakes a single waiter (spec §4.6). Safe to call before any
// Wait has ever happened (spec §8's edge case: "increment + wake-zero
// is idempotent").
func (c *Condvar) Signal(h *worker.Handle) error {
	return c.tc.Signal(h.FuncIdx, h.CoreID)
}

// Broadcast wakes every waiter, requeuing all but one directly onto
// m's wait word to avoid a thundering herd (spec §4.6, §8 scenario 4).
func (c *Condvar) Broadcast(m *Mutex, h *worker.Handle) error {
	return c.tc.Broadcast(m.tm, h.FuncIdx, h.CoreID)
}

// Destroy resets the condvar's sequence state and mutex binding (spec
// §4.6).
func (c *Condvar) Destroy() {
	c.tc.Destroy()
}
