package topology

import (
	"sort"

	"github.com/jaypipes/ghw"

	"github.com/ntsync/ntsync/internal/errtype"
)

// loadGhw is the "portable topology library" fallback spec §4.2 calls
// for when neither the config file nor sysfs can be used (e.g. inside
// a container with a masked /sys, or a non-Linux sandbox). ghw models
// NUMA nodes and their physical cores directly; it has no notion of a
// socket spanning multiple nodes, so each NUMA node it reports becomes
// its own single-node socket here -- a conservative approximation that
// still produces a valid, regularly-shaped tree.
func loadGhw() (*Topology, error) {
	info, err := ghw.Topology()
	if err != nil {
		return nil, errtype.Wrapf(errtype.ResourceExhausted, "ghw: %v", err)
	}
	if len(info.Nodes) == 0 {
		return nil, errtype.Wrap(errtype.ResourceExhausted, "ghw: no NUMA nodes reported")
	}

	nodes := append([]*ghw.TopologyNode(nil), info.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	coresPerNode := len(nodes[0].Cores)
	socketNodeTable := make([]int, 0, len(nodes))
	nodeCoreTable := make([]int, 0, len(nodes)*coresPerNode)

	for _, n := range nodes {
		if len(n.Cores) != coresPerNode {
			return nil, errtype.Wrap(errtype.InvalidState, "ghw: NUMA nodes report differing core counts, not representable by the fixed-arity tree shape")
		}
		cores := append([]*ghw.ProcessorCore(nil), n.Cores...)
		sort.Slice(cores, func(i, j int) bool { return cores[i].ID < cores[j].ID })

		socketNodeTable = append(socketNodeTable, n.ID)
		for _, c := range cores {
			// The core's own id coalesces its SMT siblings already;
			// use it directly as the physical-core identity.
			nodeCoreTable = append(nodeCoreTable, c.ID)
		}
	}

	return &Topology{
		SocketCount:     len(nodes),
		NodesPerSocket:  1,
		CoresPerNode:    coresPerNode,
		SocketNodeTable: socketNodeTable,
		NodeCoreTable:   nodeCoreTable,
	}, nil
}
