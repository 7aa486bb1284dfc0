package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ntsync/ntsync/internal/errtype"
)

const (
	sysNodeDir = "/sys/devices/system/node"
	sysCPUDir  = "/sys/devices/system/cpu"
)

// loadSysfs discovers the topology from the kernel's exported sysfs
// tree (spec §4.2): the online-nodes list, each node's core list, each
// core's sibling list for SMT detection, and each core's physical
// package id. SMT siblings are coalesced, keeping only the first
// logical processor of each physical core.
func loadSysfs() (*Topology, error) {
	nodeIDs, err := onlineNodes()
	if err != nil {
		return nil, err
	}

	// socket -> ordered list of node ids it contains
	socketNodes := map[int][]int{}
	// (socket,node) -> ordered list of coalesced physical core ids (as
	// their representative logical cpu id)
	nodeCores := map[[2]int][]int{}

	for _, nodeID := range nodeIDs {
		cpus, err := readList(filepath.Join(sysNodeDir, fmt.Sprintf("node%d", nodeID), "cpulist"))
		if err != nil {
			return nil, err
		}
		coalesced, err := coalesceSMT(cpus)
		if err != nil {
			return nil, err
		}
		if len(coalesced) == 0 {
			continue
		}
		socketID, err := physicalPackageID(coalesced[0])
		if err != nil {
			return nil, err
		}
		socketNodes[socketID] = append(socketNodes[socketID], nodeID)
		nodeCores[[2]int{socketID, nodeID}] = coalesced
	}

	if len(socketNodes) == 0 {
		return nil, errtype.Wrap(errtype.ResourceExhausted, "sysfs: no sockets discovered")
	}

	sockets := sortedKeys(socketNodes)
	socketCount := len(sockets)
	nodesPerSocket := len(socketNodes[sockets[0]])
	coresPerNode := len(nodeCores[[2]int{sockets[0], socketNodes[sockets[0]][0]}])

	socketNodeTable := make([]int, 0, socketCount*nodesPerSocket)
	nodeCoreTable := make([]int, 0, socketCount*nodesPerSocket*coresPerNode)

	for _, s := range sockets {
		nodes := socketNodes[s]
		sort.Ints(nodes)
		if len(nodes) != nodesPerSocket {
			return nil, errtype.Wrap(errtype.InvalidState, "sysfs: sockets have differing node counts, not representable by the fixed-arity tree shape")
		}
		for _, n := range nodes {
			cores := nodeCores[[2]int{s, n}]
			if len(cores) != coresPerNode {
				return nil, errtype.Wrap(errtype.InvalidState, "sysfs: nodes have differing core counts, not representable by the fixed-arity tree shape")
			}
			socketNodeTable = append(socketNodeTable, n)
			nodeCoreTable = append(nodeCoreTable, cores...)
		}
	}

	return &Topology{
		SocketCount:     socketCount,
		NodesPerSocket:  nodesPerSocket,
		CoresPerNode:    coresPerNode,
		SocketNodeTable: socketNodeTable,
		NodeCoreTable:   nodeCoreTable,
	}, nil
}

func onlineNodes() ([]int, error) {
	ids, err := readList(filepath.Join(sysNodeDir, "online"))
	if err != nil {
		return nil, errtype.Wrapf(errtype.ResourceExhausted, "sysfs: reading online nodes: %v", err)
	}
	return ids, nil
}

func physicalPackageID(cpuID int) (int, error) {
	path := filepath.Join(sysCPUDir, fmt.Sprintf("cpu%d", cpuID), "topology", "physical_package_id")
	return readInt(path)
}

// coalesceSMT keeps only the lowest-numbered logical cpu in each
// thread_siblings_list group, so SMT siblings collapse onto a single
// physical-core leaf (spec §4.2).
func coalesceSMT(cpus []int) ([]int, error) {
	seen := map[int]bool{}
	var physical []int
	for _, cpu := range cpus {
		siblingsPath := filepath.Join(sysCPUDir, fmt.Sprintf("cpu%d", cpu), "topology", "thread_siblings_list")
		siblings, err := readList(siblingsPath)
		if err != nil {
			// No SMT info available: treat cpu as its own physical core.
			siblings = []int{cpu}
		}
		sort.Ints(siblings)
		rep := siblings[0]
		if !seen[rep] {
			seen[rep] = true
			physical = append(physical, rep)
		}
	}
	sort.Ints(physical)
	return physical, nil
}

func readList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseRangeList(strings.TrimSpace(string(data)))
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func sortedKeys(m map[int][]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
