// Package worker is the entry-point wrapper of spec §4.7: it assigns
// each new worker a core from a round-robin list, registers it, pins
// the OS thread to that core, sets the batch scheduling policy, and
// hands the entry point a Handle carrying the (function-index,
// core-id, thread-index) triple every tree primitive needs for its
// leaf lookup. Go has no user-visible thread-local storage; the triple
// the source stashes in TLS is instead passed explicitly to the entry
// point, which is the idiomatic Go replacement for a C thread-local.
package worker

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ntsync/ntsync/internal/obslog"
	"github.com/ntsync/ntsync/internal/registry"
)

var log = obslog.L("worker")

// Handle is what an entry point receives instead of reading the
// (function-index, core-id, thread-index) triple out of thread-local
// storage (spec §4.7).
type Handle struct {
	FuncIdx   int
	CoreID    int
	ThreadIdx int
}

// EntryPoint is a user worker function. ctx is cancelled when the
// owning Pool's errgroup context is cancelled (e.g. a sibling worker
// returned an error), mirroring spec §4.7's "invoke the user entry
// point" step with Go's standard cancellation idiom layered on top.
type EntryPoint func(ctx context.Context, h *Handle) error

// Pool assigns cores round-robin from a fixed list and spawns workers
// against a shared registry (spec §4.7).
type Pool struct {
	reg      *registry.Registry
	cores    []int
	next     int32
	affinity affinityFunc
}

// New builds a pool that schedules workers across cores (in order,
// wrapping around). If cores is empty, New falls back to scheduling
// every worker on core 0.
func New(reg *registry.Registry, cores []int) *Pool {
	if len(cores) == 0 {
		cores = []int{0}
	}
	return &Pool{reg: reg, cores: append([]int(nil), cores...), affinity: pinToCore}
}

func (p *Pool) assignCore() int {
	i := atomic.AddInt32(&p.next, 1) - 1
	return p.cores[int(i)%len(p.cores)]
}

// Go registers a new worker under g, the same pattern
// golang.org/x/sync/errgroup documents for fanning out a bounded set
// of goroutines that should all be cancelled if one fails.
func (p *Pool) Go(g *errgroup.Group, ctx context.Context, fn registry.FuncID, arg interface{}, entry EntryPoint) {
	g.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		coreID := p.assignCore()
		tr, err := p.reg.RegisterThread(coreID, fn, arg)
		if err != nil {
			return err
		}

		if err := p.affinity(coreID); err != nil {
			log.Warnw("failed to pin worker to core", "core", coreID, "err", err)
		}
		if err := setBatchScheduling(); err != nil {
			log.Warnw("failed to set batch scheduling policy", "err", err)
		}

		h := &Handle{FuncIdx: tr.FuncIdx, CoreID: coreID, ThreadIdx: tr.Index}
		runErr := entry(ctx, h)

		if unregErr := p.reg.UnregisterThread(tr.Index); unregErr != nil && runErr == nil {
			return unregErr
		}
		return runErr
	})
}

type affinityFunc func(coreID int) error
