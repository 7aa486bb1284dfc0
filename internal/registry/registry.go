// Package registry is the thread registry of spec §4.3: two
// hash-indexed tables, one keyed by stable thread-index, one keyed by
// worker-function identity, tracking which core each live thread is
// pinned to and how many threads per core use each entry-point
// function.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/ntsync/ntsync/internal/errtype"
	"github.com/ntsync/ntsync/internal/obslog"
)

var log = obslog.L("registry")

// FuncID identifies a worker entry point. The surrounding runtime
// supplies whatever stable identity it has for a function (a symbol
// name, a program-counter, a user-chosen tag); the registry only needs
// it to be comparable.
type FuncID interface{}

// ThreadRecord is the per-live-thread state of spec §3 ("Thread
// record").
type ThreadRecord struct {
	Index    int
	CoreID   int32 // atomic: Migrate stores it atomically (under mu)
	Func     FuncID
	FuncIdx  int
	Arg      interface{}
	unregOK  int32 // guards double-unregister
}

// FunctionRecord is the per-entry-point aggregation of spec §3
// ("Function record").
type FunctionRecord struct {
	Func    FuncID
	Index   int
	perCore []int32 // atomic counters, length maxCores
	total   int32   // atomic
	// TotalEver is a diagnostics-only counter carried over from the
	// original source's flexpth_thread_keeper.c (see SPEC_FULL.md);
	// it never gates correctness.
	TotalEver int32
}

// PerCoreCount returns the current thread count pinned to coreID for
// this function.
func (f *FunctionRecord) PerCoreCount(coreID int) int {
	if coreID < 0 || coreID >= len(f.perCore) {
		return 0
	}
	return int(atomic.LoadInt32(&f.perCore[coreID]))
}

// Total returns the function's total live thread count.
func (f *FunctionRecord) Total() int {
	return int(atomic.LoadInt32(&f.total))
}

// Registry tracks live worker threads and their entry-point functions.
// Registration/unregistration is serialized by mu; the hot per-core and
// total counters on FunctionRecord are plain atomics so readers never
// block on mu (spec §4.3: "not required to be lock-free ... serialized
// ... on the hot fields").
type Registry struct {
	mu          sync.Mutex
	maxCores    int
	nextThread  int
	nextFuncIdx int
	threads     map[int]*ThreadRecord
	funcs       map[FuncID]*FunctionRecord
	funcOrder   []FuncID

	// OnNewFunction and OnThreadChange let the barrier subsystem learn
	// about new entry-point functions and per-core count changes
	// without the registry importing treebarrier (spec §4.3:
	// "notify the barrier subsystem").
	OnNewFunction  func(fn *FunctionRecord)
	OnThreadChange func(fn *FunctionRecord, coreID int, delta int)
}

// New builds a registry sized for a machine with maxCores physical
// cores.
func New(maxCores int) *Registry {
	return &Registry{
		maxCores: maxCores,
		threads:  make(map[int]*ThreadRecord),
		funcs:    make(map[FuncID]*FunctionRecord),
	}
}

// RegisterThread assigns the next stable thread-index, creates or
// finds fn's function record, increments its per-core count at
// coreID, and installs a new thread record (spec §4.3).
func (r *Registry) RegisterThread(coreID int, fn FuncID, arg interface{}) (*ThreadRecord, error) {
	if coreID < 0 || coreID >= r.maxCores {
		return nil, errtype.Wrapf(errtype.InvalidState, "registry: core %d out of range [0,%d)", coreID, r.maxCores)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fr, isNew := r.lookupOrCreateFuncLocked(fn)

	atomic.AddInt32(&fr.perCore[coreID], 1)
	atomic.AddInt32(&fr.total, 1)
	atomic.AddInt32(&fr.TotalEver, 1)

	idx := r.nextThread
	r.nextThread++
	tr := &ThreadRecord{
		Index:   idx,
		CoreID:  int32(coreID),
		Func:    fn,
		FuncIdx: fr.Index,
		Arg:     arg,
	}
	r.threads[idx] = tr

	if isNew && r.OnNewFunction != nil {
		r.OnNewFunction(fr)
	}
	if r.OnThreadChange != nil {
		r.OnThreadChange(fr, coreID, 1)
	}

	log.Debugw("thread registered", "thread", idx, "core", coreID, "func_idx", fr.Index)
	return tr, nil
}

func (r *Registry) lookupOrCreateFuncLocked(fn FuncID) (*FunctionRecord, bool) {
	if fr, ok := r.funcs[fn]; ok {
		return fr, false
	}
	fr := &FunctionRecord{
		Func:    fn,
		Index:   r.nextFuncIdx,
		perCore: make([]int32, r.maxCores),
	}
	r.nextFuncIdx++
	r.funcs[fn] = fr
	r.funcOrder = append(r.funcOrder, fn)
	return fr, true
}

// UpdateThreadFunc is the one-shot patch for the process's main thread
// when its entry point is decided lazily (spec §4.3).
func (r *Registry) UpdateThreadFunc(threadIdx int, newFn FuncID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.threads[threadIdx]
	if !ok {
		return errtype.Wrapf(errtype.InvalidHandle, "registry: unknown thread %d", threadIdx)
	}

	oldFr := r.funcs[tr.Func]
	if oldFr != nil {
		atomic.AddInt32(&oldFr.perCore[tr.CoreID], -1)
		atomic.AddInt32(&oldFr.total, -1)
	}

	newFr, isNew := r.lookupOrCreateFuncLocked(newFn)
	atomic.AddInt32(&newFr.perCore[tr.CoreID], 1)
	atomic.AddInt32(&newFr.total, 1)

	tr.Func = newFn
	tr.FuncIdx = newFr.Index

	if isNew && r.OnNewFunction != nil {
		r.OnNewFunction(newFr)
	}
	if r.OnThreadChange != nil {
		r.OnThreadChange(newFr, int(tr.CoreID), 1)
		if oldFr != nil {
			r.OnThreadChange(oldFr, int(tr.CoreID), -1)
		}
	}
	return nil
}

// UnregisterThread decrements the thread's function record counts.
// Removal from the thread table itself is deferred to process exit
// (see DESIGN.md's Open Question decision): the counters on the
// function record are what every tree primitive's correctness
// actually depends on, not table occupancy.
func (r *Registry) UnregisterThread(threadIdx int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.threads[threadIdx]
	if !ok {
		return errtype.Wrapf(errtype.InvalidHandle, "registry: unknown thread %d", threadIdx)
	}
	if !atomic.CompareAndSwapInt32(&tr.unregOK, 0, 1) {
		return nil // idempotent: already unregistered
	}

	fr := r.funcs[tr.Func]
	if fr != nil {
		atomic.AddInt32(&fr.perCore[tr.CoreID], -1)
		atomic.AddInt32(&fr.total, -1)
		if r.OnThreadChange != nil {
			r.OnThreadChange(fr, int(tr.CoreID), -1)
		}
	}
	log.Debugw("thread unregistered", "thread", threadIdx)
	return nil
}

// Migrate updates a thread's pinned core and the associated function
// counters (spec §4.3). Tree-primitive correctness never depends on
// migration happening promptly; it is purely bookkeeping.
func (r *Registry) Migrate(threadIdx int, newCoreID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.threads[threadIdx]
	if !ok {
		return errtype.Wrapf(errtype.InvalidHandle, "registry: unknown thread %d", threadIdx)
	}
	if newCoreID < 0 || newCoreID >= r.maxCores {
		return errtype.Wrapf(errtype.InvalidState, "registry: core %d out of range", newCoreID)
	}

	fr := r.funcs[tr.Func]
	oldCore := int(tr.CoreID)
	if fr != nil {
		atomic.AddInt32(&fr.perCore[oldCore], -1)
		atomic.AddInt32(&fr.perCore[newCoreID], 1)
		if r.OnThreadChange != nil {
			r.OnThreadChange(fr, oldCore, -1)
			r.OnThreadChange(fr, newCoreID, 1)
		}
	}
	atomic.StoreInt32(&tr.CoreID, int32(newCoreID))
	return nil
}

// Thread looks up a thread record by its stable index.
func (r *Registry) Thread(threadIdx int) (*ThreadRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.threads[threadIdx]
	return tr, ok
}

// Function looks up a function record by identity.
func (r *Registry) Function(fn FuncID) (*FunctionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fr, ok := r.funcs[fn]
	return fr, ok
}

// EnumerateFunctions iterates known function identities starting at
// cursor (0 for the first call), returning the next cursor and the
// function record at position cursor, or ok=false once exhausted (spec
// §4.3: "enumerate_functions(cursor) -> (next-cursor, function-record*)").
func (r *Registry) EnumerateFunctions(cursor int) (nextCursor int, fr *FunctionRecord, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cursor < 0 || cursor >= len(r.funcOrder) {
		return cursor, nil, false
	}
	fn := r.funcOrder[cursor]
	return cursor + 1, r.funcs[fn], true
}
