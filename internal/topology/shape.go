package topology

import "github.com/ntsync/ntsync/internal/errtype"

// NoParent is the sentinel parent index for the root of a tree shape
// (spec §3, "Tree shape": "root has sentinel 'no parent'").
const NoParent = -1

// Shape is the parent-index array every tree primitive (barrier,
// mutex, condvar) allocates its own node array against. It is built
// once alongside the Topology and is read-only thereafter.
//
// The array has two sections. The first BinaryLen entries are a
// complete binary tree over the machine's socket*node "sites" (padded
// to the next power of two so the shape is well defined for arbitrary
// socket/node counts -- see DESIGN.md's Open Question decision for
// non-power-of-two node counts). The remaining entries are per-core
// leaves, NumCores of them, grouped core-by-node-by-socket so siblings
// share the closest possible ancestor.
type Shape struct {
	Parent []int // length Len(); Parent[i] is i's parent, or NoParent

	BinaryLen  int // size of the socket/node binary-tree section
	PaddedSite int // next-power-of-two site count the binary tree is built over
	NumSites   int // real (non-padding) site count = socketCount*nodesPerSocket
	NumCores   int // total physical cores = len(CoreToLeaf)

	// CoreToLeaf/LeafToCore are the two-way mapping spec §3 calls out
	// ("Core↔leaf maps"). Leaf indices here are absolute indices into
	// Parent (i.e. already offset past BinaryLen).
	CoreToLeaf map[int]int
	LeafToCore map[int]int

	// siteOfCore maps a core-id to the binary-tree leaf index (site)
	// that is its node-level ancestor; read through SiteLeaf.
	siteOfCore map[int]int
}

// Len returns the total number of tree nodes: 2·P − 1 + NumCores, where
// P is PaddedSite. When S·N is a power of two this is spec §3's
// "L = 2·(S·N) − 1 + S·N·C".
func (s *Shape) Len() int {
	return len(s.Parent)
}

// SiteLeaf returns the binary-tree leaf index for the site (socket,
// node pair) that owns coreID, used when a sub-tree must be anchored
// to the right NUMA-node ancestor.
func (s *Shape) SiteLeaf(coreID int) (int, bool) {
	leaf, ok := s.siteOfCore[coreID]
	return leaf, ok
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// BuildShape constructs the parent-index array and core/leaf maps from
// the flattened socket->node and node->core tables a Topology
// discovers. siteCores[siteIndex] must hold, in order, the physical
// core ids pinned to the siteIndex'th (socket,node) pair.
func BuildShape(socketCount, nodesPerSocket, coresPerNode int, siteCores [][]int) (*Shape, error) {
	numSites := socketCount * nodesPerSocket
	if numSites <= 0 {
		return nil, errtype.Wrap(errtype.ResourceExhausted, "topology: no sockets/nodes discovered")
	}
	padded := nextPow2(numSites)
	binaryLen := 2*padded - 1
	firstLeafIdx := padded - 1 // index of binary-tree leaf 0 within [0,binaryLen)

	numCores := 0
	for _, cores := range siteCores {
		numCores += len(cores)
	}
	total := binaryLen + numCores

	parent := make([]int, total)
	parent[0] = NoParent
	for i := 1; i < binaryLen; i++ {
		parent[i] = (i - 1) / 2
	}
	// Padding leaves (site index >= numSites, but < padded) keep their
	// binary-tree parent and simply never gain core children or
	// contribute to any total-count.

	coreToLeaf := make(map[int]int, numCores)
	leafToCore := make(map[int]int, numCores)
	siteOfCore := make(map[int]int, numCores)

	coreBase := binaryLen
	for site := 0; site < numSites; site++ {
		siteLeafIdx := firstLeafIdx + site
		cores := siteCores[site]
		for _, coreID := range cores {
			leafIdx := coreBase
			parent[leafIdx] = siteLeafIdx
			coreToLeaf[coreID] = leafIdx
			leafToCore[leafIdx] = coreID
			siteOfCore[coreID] = siteLeafIdx
			coreBase++
		}
	}

	return &Shape{
		Parent:     parent,
		BinaryLen:  binaryLen,
		PaddedSite: padded,
		NumSites:   numSites,
		NumCores:   numCores,
		CoreToLeaf: coreToLeaf,
		LeafToCore: leafToCore,
		siteOfCore: siteOfCore,
	}, nil
}
