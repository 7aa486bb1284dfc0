package ntsync

import (
	"github.com/ntsync/ntsync/internal/treebarrier"
	"github.com/ntsync/ntsync/internal/worker"
)

// Barrier is the high-level tree-structured barrier (spec §3 "Barrier
// handle", §4.4). The zero value is usable directly: the first call to
// Wait supplies the Runtime and the declared thread count, the same
// way the source's static initializer defers real setup to first use
// (spec §7).
type Barrier struct {
	lazy  lazyInit
	rt    *Runtime
	count int
	tb    *treebarrier.TreeBarrier
}

// NewBarrier eagerly builds a Barrier for count threads, for callers
// that prefer an explicit constructor over the zero-value/first-use
// pattern.
func NewBarrier(rt *Runtime, count int) *Barrier {
	b := &Barrier{rt: rt, count: count}
	b.lazy.ensure(b.init)
	return b
}

func (b *Barrier) init() {
	b.tb = treebarrier.New(b.rt.Shape, b.rt.Registry, b.count)
	b.rt.registerBarrier(b.tb)
}

// Wait is spec §4.4's core operation: isSerial is true for exactly one
// caller per barrier episode. rt and count are only consulted the
// first time Wait is called on a zero-value Barrier; later calls
// ignore them.
func (b *Barrier) Wait(rt *Runtime, count int, h *worker.Handle) (isSerial bool, err error) {
	if b.rt == nil {
		b.rt, b.count = rt, count
	}
	b.lazy.ensure(b.init)
	return b.tb.Wait(h.FuncIdx, h.CoreID)
}

// Destroy invalidates the barrier (spec §4.4; idempotent per spec §8).
func (b *Barrier) Destroy() {
	if b.tb != nil {
		b.tb.Destroy()
	}
}
