package ntsync

import (
	"sync"

	"github.com/ntsync/ntsync/internal/config"
	"github.com/ntsync/ntsync/internal/errtype"
	"github.com/ntsync/ntsync/internal/obslog"
	"github.com/ntsync/ntsync/internal/registry"
	"github.com/ntsync/ntsync/internal/topology"
	"github.com/ntsync/ntsync/internal/treebarrier"
	"github.com/ntsync/ntsync/internal/treemutex"
	"github.com/ntsync/ntsync/internal/worker"
)

var log = obslog.L("ntsync")

// mainThreadPlaceholder is the function identity a MainThreadAsFirstWorker
// registration uses until the real first worker function is known (spec
// §6, §4.3's update_thread_func).
type mainThreadPlaceholder struct{}

// Runtime discovers the machine topology exactly once and hosts the
// thread registry and worker pool every Barrier, Mutex and Condvar in
// the process is built against (spec §4.2/§4.3).
type Runtime struct {
	Topo     *topology.Topology
	Shape    *topology.Shape
	Registry *registry.Registry
	Pool     *worker.Pool
	Config   *config.Config

	mu                     sync.Mutex
	barriers               []*treebarrier.TreeBarrier
	mutexes                []*treemutex.TreeMutex
	hasMainThread          bool
	mainThreadIdx          int
	pendingMainThreadPatch bool
}

// NewRuntime builds a Runtime: discover topology, load the §6
// environment configuration, and size the registry for the
// discovered core count. Subsequent Barrier/Mutex/Condvar handles
// share this Runtime so a new worker function registering anywhere in
// the process grows every live tree-structured primitive's sub-tree
// automatically (spec §4.3's "notify the barrier subsystem").
func NewRuntime() (*Runtime, error) {
	topo, shape, err := topology.Build()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	maxCores := topo.SocketCount * topo.NodesPerSocket * topo.CoresPerNode
	reg := registry.New(maxCores)

	cores := cfg.CoreList
	if len(cores) == 0 {
		cores = make([]int, 0, len(shape.CoreToLeaf))
		for coreID := range shape.CoreToLeaf {
			cores = append(cores, coreID)
		}
	}

	rt := &Runtime{
		Topo:     topo,
		Shape:    shape,
		Registry: reg,
		Pool:     worker.New(reg, cores),
		Config:   cfg,
	}

	reg.OnNewFunction = rt.onNewFunction
	reg.OnThreadChange = rt.onThreadChange
	return rt, nil
}

func (rt *Runtime) onNewFunction(fr *registry.FunctionRecord) {
	rt.mu.Lock()
	for _, b := range rt.barriers {
		b.EnsureFunction(fr)
	}
	for _, m := range rt.mutexes {
		m.EnsureFunction(fr)
	}

	_, isPlaceholder := fr.Func.(mainThreadPlaceholder)
	patch := rt.pendingMainThreadPatch && !isPlaceholder
	patchIdx := rt.mainThreadIdx
	if patch {
		rt.pendingMainThreadPatch = false
	}
	rt.mu.Unlock()

	// UpdateThreadFunc fires OnNewFunction/OnThreadChange callbacks of
	// its own, so it must run after rt.mu is released, not while this
	// call still holds it (spec §4.3's update_thread_func, wired to the
	// MainThreadAsFirstWorker config mode, spec §6).
	if patch {
		if err := rt.Registry.UpdateThreadFunc(patchIdx, fr.Func); err != nil {
			log.Warnw("failed to patch main thread onto first worker function", "err", err)
		}
	}
}

// RegisterMainThread folds the process's own calling thread into the
// registry according to Config.MainThreadHandling (spec §6): untouched
// registers nothing, an explicit entry-point value registers under
// that literal identity, and "as first worker" registers under a
// placeholder that gets patched onto the real first worker function the
// moment one registers (spec §4.3's update_thread_func). Call once,
// from the thread that should be considered the process's main thread.
func (rt *Runtime) RegisterMainThread(coreID int) error {
	switch rt.Config.MainThreadHandling {
	case config.MainThreadUntouched:
		return nil
	case config.MainThreadExplicitEntryPoint:
		tr, err := rt.Registry.RegisterThread(coreID, rt.Config.MainThreadEntryPoint, nil)
		if err != nil {
			return err
		}
		rt.mu.Lock()
		rt.hasMainThread, rt.mainThreadIdx = true, tr.Index
		rt.mu.Unlock()
		return nil
	case config.MainThreadAsFirstWorker:
		tr, err := rt.Registry.RegisterThread(coreID, mainThreadPlaceholder{}, nil)
		if err != nil {
			return err
		}
		rt.mu.Lock()
		rt.hasMainThread, rt.mainThreadIdx = true, tr.Index
		rt.mu.Unlock()

		// A worker function may already have registered before this
		// call; in that case there is no future onNewFunction event to
		// patch on, so patch against the first one found right now.
		for cursor, fr, ok := rt.Registry.EnumerateFunctions(0); ok; cursor, fr, ok = rt.Registry.EnumerateFunctions(cursor) {
			if _, isPlaceholder := fr.Func.(mainThreadPlaceholder); isPlaceholder {
				continue
			}
			return rt.Registry.UpdateThreadFunc(tr.Index, fr.Func)
		}
		rt.mu.Lock()
		rt.pendingMainThreadPatch = true
		rt.mu.Unlock()
		return nil
	default:
		return nil
	}
}

// MainThreadHandle returns a Handle for the thread RegisterMainThread
// registered, reflecting its current function index — safe to call
// even before a pending MainThreadAsFirstWorker patch has landed, since
// it re-reads the thread record rather than caching a stale FuncIdx.
func (rt *Runtime) MainThreadHandle() (*worker.Handle, error) {
	rt.mu.Lock()
	idx, ok := rt.mainThreadIdx, rt.hasMainThread
	rt.mu.Unlock()
	if !ok {
		return nil, errtype.Wrap(errtype.InvalidState, "runtime: main thread not registered")
	}
	tr, ok := rt.Registry.Thread(idx)
	if !ok {
		return nil, errtype.Wrap(errtype.InvalidHandle, "runtime: main thread record missing")
	}
	return &worker.Handle{FuncIdx: tr.FuncIdx, CoreID: int(tr.CoreID), ThreadIdx: tr.Index}, nil
}

func (rt *Runtime) onThreadChange(fr *registry.FunctionRecord, coreID, delta int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, b := range rt.barriers {
		b.RefreshTotals(fr)
	}
}

// registerBarrier adds b to the set of live barriers this Runtime
// fans new-function/thread-count notifications out to, and backfills
// any worker function the registry already knows about — a Barrier
// built after workers have already started registering must not miss
// their sub-trees.
func (rt *Runtime) registerBarrier(b *treebarrier.TreeBarrier) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.barriers = append(rt.barriers, b)
	for cursor, fr, ok := rt.Registry.EnumerateFunctions(0); ok; cursor, fr, ok = rt.Registry.EnumerateFunctions(cursor) {
		b.EnsureFunction(fr)
	}
}

// registerMutex is registerBarrier's counterpart for TreeMutex.
func (rt *Runtime) registerMutex(m *treemutex.TreeMutex) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.mutexes = append(rt.mutexes, m)
	for cursor, fr, ok := rt.Registry.EnumerateFunctions(0); ok; cursor, fr, ok = rt.Registry.EnumerateFunctions(cursor) {
		m.EnsureFunction(fr)
	}
}
