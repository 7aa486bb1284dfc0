// Package treebarrier is the low-level tree-structured barrier of spec
// §3 ("Barrier node") and §4.4. A TreeBarrier holds a root node shared
// by every worker-function sub-tree plus one sub-tree per registered
// entry-point function, grown lazily as new functions register.
package treebarrier

import (
	"math"
	"sync"
	"unsafe"

	"github.com/ntsync/ntsync/internal/atomics"
	"github.com/ntsync/ntsync/internal/errtype"
	"github.com/ntsync/ntsync/internal/obslog"
	"github.com/ntsync/ntsync/internal/registry"
	"github.com/ntsync/ntsync/internal/topology"
)

var log = obslog.L("treebarrier")

// State is the handle-level state of spec §3 ("Barrier handle").
type State int32

const (
	NotReady State = iota
	Ready
	Invalid
)

// node is one element of a barrier tree (spec §3 "Barrier node"): a
// packed (sequence, arrived) word, a total-threads-at-this-node count,
// and a parent pointer. children is the reverse mapping used only to
// cascade a release down after the root closes; it does not create an
// ownership cycle (nodes are never freed individually; the whole tree
// is thrown away at destroy/replace).
//
// total is read by arrive() without holding TreeBarrier.mu (arrive()
// runs on every Wait() call, which must not contend a registry-wide
// lock) but written by RefreshTotals/ensureFunctionLocked under mu
// whenever the registry's per-core thread counts change for an
// already-live function, so it is accessed exclusively through the
// atomics package rather than as a plain field.
type node struct {
	seqArrived uint64 // low 32 bits: sequence; high 32 bits: arrived
	total      int32
	isLeaf     bool
	parent     *node
	children   []*node
}

func pack(seq, arrived uint32) uint64 { return uint64(arrived)<<32 | uint64(seq) }
func unpack(w uint64) (seq, arrived uint32) {
	return uint32(w), uint32(w >> 32)
}

// sequencePtr returns a pointer to the node's low 32 bits, i.e. its
// sequence counter, for use with the wait-on-word facility. This
// assumes a little-endian target (x86_64/arm64), consistent with
// spec §1's Linux-only assumption.
func sequencePtr(n *node) *uint32 {
	return (*uint32)(unsafe.Pointer(&n.seqArrived))
}

func newNode(total int32, isLeaf bool) *node {
	return &node{total: total, isLeaf: isLeaf}
}

func link(parent, child *node) {
	child.parent = parent
	parent.children = append(parent.children, child)
}

// arrive increments the node's arrived count by by (spec §4.4: leaf
// arrivals contribute 1 per thread; a promoting thread contributes its
// closed child's whole total, since interior total-counts are the sum
// of descendant totals). It returns (closed, observedSeq): closed is
// true if this call brought the node to completion (and this call
// already performed the reset, wake, and release cascade); otherwise
// observedSeq is the sequence value the caller should wait against.
func (n *node) arrive(by int32) (closed bool, observedSeq uint32) {
	for {
		old := atomics.Load64(&n.seqArrived)
		seq, arrived := unpack(old)
		next := arrived + uint32(by)
		if int32(next) >= atomics.LoadInt32(&n.total) {
			neu := pack(seq+1, 0)
			if atomics.CAS64(&n.seqArrived, old, neu) == old {
				n.release()
				return true, 0
			}
			continue
		}
		neu := pack(seq, next)
		if atomics.CAS64(&n.seqArrived, old, neu) == old {
			return false, seq
		}
	}
}

// release cascades a reset+wake down every descendant of n, since a
// waiter may be parked at any level on the path from a not-yet-closed
// sibling subtree. n itself was already reset by the CAS in arrive();
// release only needs to touch n's descendants.
func (n *node) release() {
	for _, c := range n.children {
		releaseNode(c)
	}
}

func releaseNode(n *node) {
	seq, _ := unpack(atomics.Load64(&n.seqArrived))
	atomics.Store64(&n.seqArrived, pack(seq+1, 0))
	if n.isLeaf {
		if _, err := atomics.WakeUp(sequencePtr(n), math.MaxInt32); err != nil {
			log.Warnw("wake on barrier leaf failed", "err", err)
		}
	}
	for _, c := range n.children {
		releaseNode(c)
	}
}

// waitRelease blocks (leaf) or spins (interior) while n's sequence is
// still the one observed right before this thread's own non-closing
// arrive() call.
func waitRelease(n *node, observedSeq uint32) error {
	for {
		seq, _ := unpack(atomics.Load64(&n.seqArrived))
		if seq != observedSeq {
			return nil
		}
		if n.isLeaf {
			if err := atomics.WaitIfEqual(sequencePtr(n), observedSeq); err != nil {
				return err
			}
		} else {
			atomics.Pause()
		}
	}
}

// TreeBarrier is the low-level tree-structured barrier (spec §4.4).
type TreeBarrier struct {
	shape *topology.Shape
	reg   *registry.Registry

	root *node

	mu        sync.RWMutex
	state     State
	declared  int32
	subtrees  map[int][]*node // funcIdx -> node array indexed like shape.Parent
	leafCache map[[2]int]*node
}

// New allocates a handle (spec §4.4 "init"). count is the user-declared
// total thread population; the handle starts in NotReady and collects
// that population implicitly on the first wait() episode.
func New(shape *topology.Shape, reg *registry.Registry, count int) *TreeBarrier {
	tb := &TreeBarrier{
		shape:     shape,
		reg:       reg,
		root:      newNode(int32(count), false),
		state:     NotReady,
		declared:  int32(count),
		subtrees:  make(map[int][]*node),
		leafCache: make(map[[2]int]*node),
	}
	return tb
}

// EnsureFunction builds a per-function sub-tree for fr's function
// index if one doesn't already exist, growing the barrier lazily as
// spec §4.4/§3 require ("Tree-barrier sub-trees are keyed by
// function-index and grown lazily when new entry-point functions
// appear").
func (tb *TreeBarrier) EnsureFunction(fr *registry.FunctionRecord) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.ensureFunctionLocked(fr)
}

func (tb *TreeBarrier) ensureFunctionLocked(fr *registry.FunctionRecord) []*node {
	if nodes, ok := tb.subtrees[fr.Index]; ok {
		return nodes
	}
	n := tb.shape.Len()
	nodes := make([]*node, n)
	for i := 0; i < n; i++ {
		nodes[i] = newNode(0, i >= tb.shape.BinaryLen)
	}
	for leafIdx, coreID := range tb.shape.LeafToCore {
		atomics.StoreInt32(&nodes[leafIdx].total, int32(fr.PerCoreCount(coreID)))
	}
	for i := n - 1; i >= 1; i-- {
		p := tb.shape.Parent[i]
		if p == 0 {
			// First two children of the sub-tree's own (unused)
			// root are linked directly to the shared global root,
			// saving one level (spec §4.4).
			link(tb.root, nodes[i])
		} else {
			link(nodes[p], nodes[i])
			atomics.AddInt32(&nodes[p].total, atomics.LoadInt32(&nodes[i].total))
		}
	}
	tb.subtrees[fr.Index] = nodes
	for leafIdx, coreID := range tb.shape.LeafToCore {
		tb.leafCache[[2]int{fr.Index, coreID}] = nodes[leafIdx]
	}
	log.Debugw("barrier sub-tree built", "func_idx", fr.Index)
	return nodes
}

// RefreshTotals recomputes leaf/interior totals for fr's sub-tree after
// a registry thread-count change. The global root's total is the
// user-declared count and is never touched here (spec §3).
func (tb *TreeBarrier) RefreshTotals(fr *registry.FunctionRecord) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nodes, ok := tb.subtrees[fr.Index]
	if !ok {
		tb.ensureFunctionLocked(fr)
		return
	}
	n := len(nodes)
	// Reset interior totals (leaves recomputed directly below) before
	// re-accumulating bottom-up.
	for i := 1; i < tb.shape.BinaryLen; i++ {
		atomics.StoreInt32(&nodes[i].total, 0)
	}
	for leafIdx, coreID := range tb.shape.LeafToCore {
		atomics.StoreInt32(&nodes[leafIdx].total, int32(fr.PerCoreCount(coreID)))
	}
	for i := n - 1; i >= 1; i-- {
		p := tb.shape.Parent[i]
		if p != 0 {
			atomics.AddInt32(&nodes[p].total, atomics.LoadInt32(&nodes[i].total))
		}
	}
}

// Wait is spec §4.4's core operation. isSerial is true for exactly one
// caller per barrier episode.
func (tb *TreeBarrier) Wait(funcIdx, coreID int) (isSerial bool, err error) {
	tb.mu.RLock()
	state := tb.state
	tb.mu.RUnlock()

	switch state {
	case Invalid:
		return false, errtype.Wrap(errtype.InvalidState, "treebarrier: wait on destroyed barrier")
	case NotReady:
		return tb.waitFirstEpisode()
	default:
		return tb.waitReady(funcIdx, coreID)
	}
}

func (tb *TreeBarrier) waitFirstEpisode() (bool, error) {
	closed, seq := tb.root.arrive(1)
	if closed {
		tb.mu.Lock()
		tb.state = Ready
		tb.mu.Unlock()
		return true, nil
	}
	if err := waitRelease(tb.root, seq); err != nil {
		return false, err
	}
	return false, nil
}

func (tb *TreeBarrier) waitReady(funcIdx, coreID int) (bool, error) {
	tb.mu.RLock()
	leaf, ok := tb.leafCache[[2]int{funcIdx, coreID}]
	tb.mu.RUnlock()
	if !ok {
		return false, errtype.Wrapf(errtype.InvalidState, "treebarrier: no sub-tree for func %d", funcIdx)
	}

	cur := leaf
	by := int32(1)
	for {
		closed, seq := cur.arrive(by)
		if !closed {
			if err := waitRelease(cur, seq); err != nil {
				return false, err
			}
			return false, nil
		}
		if cur.parent == nil {
			return true, nil
		}
		by = atomics.LoadInt32(&cur.total)
		cur = cur.parent
	}
}

// Destroy marks the handle Invalid. The underlying node arrays are not
// freed immediately so a late waiter racing with destroy doesn't fault
// (spec §4.4). Repeated calls are idempotent (spec §8).
func (tb *TreeBarrier) Destroy() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.state = Invalid
}

// StateFor reports the handle's current state, used by tests and by
// the high-level Barrier wrapper.
func (tb *TreeBarrier) StateFor() State {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.state
}
