// Package treemutex is the low-level tree-structured mutex of spec §3
// ("Mutex node") and §4.5. Unlike treebarrier, a TreeMutex node carries
// an owner tag: the stable identity of whichever lineage currently
// holds it, so a thread sharing that lineage with the previous holder
// can skip re-contending everything above the point where the lineage
// diverges (spec §4.5's "locality" optimization).
package treemutex

import (
	"sync"

	"github.com/ntsync/ntsync/internal/atomics"
	"github.com/ntsync/ntsync/internal/errtype"
	"github.com/ntsync/ntsync/internal/obslog"
	"github.com/ntsync/ntsync/internal/registry"
	"github.com/ntsync/ntsync/internal/topology"
)

var log = obslog.L("treemutex")

// Packed state word (spec §4.5): two bits per node, tracking whether
// the node is held and whether a waiter is parked on it.
const (
	stateUnlocked         uint32 = 0
	stateLockedFree       uint32 = 1 // locked, no one waiting
	stateUnlockedContend  uint32 = 2 // unlocked but a waiter just parked (rare transient)
	stateLockedContended  uint32 = 3 // locked, at least one waiter parked
	spinLimit                    = 64
	siblingYieldIterations        = 4 // intentional brief unfairness window, spec §4.5
	noOwner                int64 = -1
)

// node is one element of a mutex tree. owner is the stable identity of
// the current holder's lineage: at a leaf, a thread-index; at an
// interior node, the core-index of the lineage below (spec §4.5: owner
// tags are meaningful only to threads sharing a pinned core at leaves,
// or the same node/socket at interior levels — this module uses the
// originating core-index uniformly at every interior level, which is
// conservative: it never grants a false fast-path, but it also misses
// fast-path opportunities between distinct cores that happen to share
// the same higher-level NUMA scope; see DESIGN.md).
type node struct {
	state        uint32
	owner        int64
	transferLock uint32 // owner-transfer lock bit (spec §4.5)
	wakeupSeq    uint32
	parent       *node
	isLeaf       bool
}

func newNode(isLeaf bool) *node {
	return &node{owner: noOwner, isLeaf: isLeaf}
}

func link(parent, child *node) { child.parent = parent }

// acquireStateBits runs the common spin/park state machine shared by
// leaf and interior nodes (spec §4.5's lock algorithm, steps after the
// owner-tag fast path).
func acquireStateBits(n *node) {
	spins := 0
	for {
		old := atomics.Load(&n.state)
		switch old {
		case stateUnlocked:
			if atomics.CAS(&n.state, stateUnlocked, stateLockedFree) == stateUnlocked {
				return
			}
		case stateUnlockedContend:
			if atomics.CAS(&n.state, stateUnlockedContend, stateLockedContended) == stateUnlockedContend {
				return
			}
		default: // locked, one way or another
			if spins < spinLimit {
				spins++
				atomics.Pause()
				continue
			}
			// Exchange with 3 until the exchange itself finds bit 0 clear:
			// that exchange is the acquire, and it leaves the word marked
			// contended so the next release wakes any remaining sleeper.
			for atomics.Xchg(&n.state, stateLockedContended)&stateLockedFree != 0 {
				if err := atomics.WaitIfEqual(&n.state, stateLockedContended); err != nil {
					log.Warnw("wait on mutex node failed", "err", err)
				}
			}
			return
		}
	}
}

// releaseStateBits unlocks n and wakes at most one waiter. If exactly
// one waiter was woken, the unlocking thread yields briefly so the
// newly runnable thread gets a chance to actually run before the
// unlocker might re-enter and immediately re-acquire (approximating
// the source's dedicated wakeup_seq suspend word with a bounded yield,
// since there is no second party obligated to ever bump that word —
// see DESIGN.md).
func releaseStateBits(n *node) {
	for {
		old := atomics.Load(&n.state)
		switch old {
		case stateLockedFree:
			if atomics.CAS(&n.state, stateLockedFree, stateUnlocked) == stateLockedFree {
				return
			}
		case stateLockedContended:
			if atomics.CAS(&n.state, stateLockedContended, stateUnlocked) == stateLockedContended {
				woken, err := atomics.WakeUp(&n.state, 1)
				if err != nil {
					log.Warnw("wake on mutex node failed", "err", err)
				}
				if woken == 1 {
					atomics.AddUint32(&n.wakeupSeq, 1)
					for i := 0; i < siblingYieldIterations; i++ {
						atomics.Pause()
					}
				}
				return
			}
		default:
			continue // transient: another lock() just marked it contended underneath us
		}
	}
}

// lockAt acquires n on behalf of owner, taking the owner-transfer fast
// path first (spec §4.5: "if current_owner == caller's scope, promote
// directly without re-contending the state bits").
func lockAt(n *node, owner int64) {
	if atomics.LoadInt64(&n.owner) == owner {
		return
	}
	acquireStateBits(n)
	atomics.StoreInt64(&n.owner, owner)
	for i := 0; i < siblingYieldIterations; i++ {
		atomics.Pause()
	}
}

// lockInteriorWithTransfer is lockAt specialised for interior nodes,
// using the one-bit owner-transfer lock to let a same-scope thread
// hand off ownership without a window where the node looks unlocked
// (spec §4.5's owner-transfer lock).
func lockInteriorWithTransfer(n *node, owner int64) {
	if atomics.LoadInt64(&n.owner) == owner {
		if atomics.CAS(&n.transferLock, 0, 1) == 0 {
			if atomics.LoadInt64(&n.owner) == owner {
				atomics.Store(&n.transferLock, 0)
				return
			}
			atomics.Store(&n.transferLock, 0)
		}
	}
	acquireStateBits(n)
	atomics.StoreInt64(&n.owner, owner)
}

// unlockInteriorWithTransfer releases n, but if another thread sharing
// owner's scope is mid-handoff (holding the transfer lock), this
// thread steps back and leaves the node's state bits alone: ownership
// has already moved sideways within the same scope (spec §4.5).
func unlockInteriorWithTransfer(n *node, owner int64) bool {
	if atomics.CAS(&n.transferLock, 0, 1) != 0 {
		return false // a sibling is mid-transfer; defer to it
	}
	defer atomics.Store(&n.transferLock, 0)
	if atomics.LoadInt64(&n.owner) != owner {
		return false // handoff already happened underneath us
	}
	atomics.StoreInt64(&n.owner, noOwner)
	releaseStateBits(n)
	return true
}

// TreeMutex is the low-level tree-structured mutex (spec §4.5).
type TreeMutex struct {
	shape *topology.Shape
	reg   *registry.Registry

	mu        sync.RWMutex
	destroyed bool
	subtrees  map[int][]*node
	leafCache map[[2]int]*node
}

// New allocates a handle that holds one sub-tree per worker function,
// each built lazily by EnsureFunction, mirroring treebarrier's
// lazy-growth shape (spec §4.5 reuses the same tree topology as the
// barrier).
func New(shape *topology.Shape, reg *registry.Registry) *TreeMutex {
	return &TreeMutex{
		shape:     shape,
		reg:       reg,
		subtrees:  make(map[int][]*node),
		leafCache: make(map[[2]int]*node),
	}
}

// EnsureFunction builds fr's sub-tree if absent.
func (tm *TreeMutex) EnsureFunction(fr *registry.FunctionRecord) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.ensureFunctionLocked(fr)
}

func (tm *TreeMutex) ensureFunctionLocked(fr *registry.FunctionRecord) []*node {
	if nodes, ok := tm.subtrees[fr.Index]; ok {
		return nodes
	}
	n := tm.shape.Len()
	nodes := make([]*node, n)
	for i := 0; i < n; i++ {
		nodes[i] = newNode(i >= tm.shape.BinaryLen)
	}
	for i := 1; i < n; i++ {
		p := tm.shape.Parent[i]
		link(nodes[p], nodes[i])
	}
	tm.subtrees[fr.Index] = nodes
	for leafIdx, coreID := range tm.shape.LeafToCore {
		tm.leafCache[[2]int{fr.Index, coreID}] = nodes[leafIdx]
	}
	log.Debugw("mutex sub-tree built", "func_idx", fr.Index)
	return nodes
}

func (tm *TreeMutex) leafFor(funcIdx, coreID int) (*node, error) {
	tm.mu.RLock()
	leaf, ok := tm.leafCache[[2]int{funcIdx, coreID}]
	tm.mu.RUnlock()
	if !ok {
		return nil, errtype.Wrapf(errtype.InvalidState, "treemutex: no sub-tree for func %d", funcIdx)
	}
	return leaf, nil
}

// Lock acquires the mutex on behalf of threadIdx, pinned to coreID,
// running worker funcIdx: the leaf is locked with the thread's own
// stable identity as owner, then every ancestor up to the root is
// locked with coreID as owner, via the owner-transfer fast path (spec
// §4.5).
func (tm *TreeMutex) Lock(funcIdx, coreID, threadIdx int) error {
	tm.mu.RLock()
	destroyed := tm.destroyed
	tm.mu.RUnlock()
	if destroyed {
		return errtype.Wrap(errtype.InvalidState, "treemutex: lock on destroyed mutex")
	}

	leaf, err := tm.leafFor(funcIdx, coreID)
	if err != nil {
		return err
	}
	lockAt(leaf, int64(threadIdx))

	cur := leaf
	scope := int64(coreID)
	for cur.parent != nil {
		cur = cur.parent
		lockInteriorWithTransfer(cur, scope)
	}
	return nil
}

// TryLock attempts a non-blocking acquire. spec §4.5's trylock prose
// describes a leaf-only attempt, but the mutex's own invariant ("the
// set of threads holding any node of M forms an ancestor chain rooted
// at some leaf") rules out ever reporting the leaf as held without
// also holding every ancestor: a thread that observed ok=true but did
// not actually hold the root could be unlocked out from under a
// concurrent full Lock() climbing the same lineage. So TryLock climbs
// every ancestor the same way Lock does, but only ever attempts a CAS
// at each level — never spins or blocks — and rolls back everything it
// grabbed via unwindPartialTryLock the moment any level is contended,
// so the call is still non-blocking end to end and still reports Busy
// immediately whenever the caller's own leaf or any ancestor is held by
// an unrelated lineage (see DESIGN.md's recorded deviation from the
// literal leaf-only trylock prose).
func (tm *TreeMutex) TryLock(funcIdx, coreID, threadIdx int) (bool, error) {
	leaf, err := tm.leafFor(funcIdx, coreID)
	if err != nil {
		return false, err
	}
	if atomics.LoadInt64(&leaf.owner) == int64(threadIdx) {
		return true, nil
	}
	if atomics.CAS(&leaf.state, stateUnlocked, stateLockedFree) != stateUnlocked {
		return false, nil
	}
	atomics.StoreInt64(&leaf.owner, int64(threadIdx))

	cur := leaf
	scope := int64(coreID)
	for cur.parent != nil {
		cur = cur.parent
		if atomics.LoadInt64(&cur.owner) == scope {
			continue
		}
		if atomics.CAS(&cur.state, stateUnlocked, stateLockedFree) != stateUnlocked {
			// Roll back everything we grabbed on the way up; the leaf
			// stays reported as busy to this caller.
			tm.unwindPartialTryLock(leaf, cur, threadIdx, scope)
			return false, nil
		}
		atomics.StoreInt64(&cur.owner, scope)
	}
	return true, nil
}

func (tm *TreeMutex) unwindPartialTryLock(leaf, stoppedAt *node, threadIdx int, scope int64) {
	cur := leaf
	atomics.StoreInt64(&leaf.owner, noOwner)
	releaseStateBits(leaf)
	for cur.parent != nil && cur.parent != stoppedAt {
		cur = cur.parent
		atomics.StoreInt64(&cur.owner, noOwner)
		releaseStateBits(cur)
	}
}

// Unlock releases the mutex in the same leaf-to-root order it was
// acquired, stopping early wherever an owner-transfer hand-off has
// already moved ownership to a sibling sharing the same scope.
func (tm *TreeMutex) Unlock(funcIdx, coreID, threadIdx int) error {
	leaf, err := tm.leafFor(funcIdx, coreID)
	if err != nil {
		return err
	}
	if atomics.LoadInt64(&leaf.owner) != int64(threadIdx) {
		return errtype.Wrap(errtype.Mismatch, "treemutex: unlock by non-owner")
	}
	atomics.StoreInt64(&leaf.owner, noOwner)
	releaseStateBits(leaf)

	cur := leaf
	scope := int64(coreID)
	for cur.parent != nil {
		cur = cur.parent
		if !unlockInteriorWithTransfer(cur, scope) {
			break
		}
	}
	return nil
}

// RootStateWordFor exposes the sub-tree root's state word: waiters
// parked on a condvar may originate from any core, so a broadcast's
// requeue needs one destination every reacquiring thread's mutex.Lock
// call will eventually contend on its way up, which is the shared
// root every leaf promotes to (spec §4.5/§4.6).
func (tm *TreeMutex) RootStateWordFor(funcIdx int) (*uint32, error) {
	tm.mu.RLock()
	nodes, ok := tm.subtrees[funcIdx]
	tm.mu.RUnlock()
	if !ok {
		return nil, errtype.Wrapf(errtype.InvalidState, "treemutex: no sub-tree for func %d", funcIdx)
	}
	return &nodes[0].state, nil
}

// Destroy marks the handle unusable for future Lock calls.
func (tm *TreeMutex) Destroy() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.destroyed = true
}
