// Package topology is the topology oracle of spec §4.2: it discovers
// sockets, NUMA nodes and cores exactly once at process init and
// publishes the immutable tables every tree primitive is shaped
// against. Three sources are tried in order: a config file named by an
// environment variable, the kernel's sysfs topology, and a portable
// topology library fallback.
package topology

import (
	"os"

	"github.com/ntsync/ntsync/internal/errtype"
	"github.com/ntsync/ntsync/internal/obslog"
)

var log = obslog.L("topology")

// Env var names recognized by the surrounding runtime (spec §6).
const (
	EnvTopologyFile = "NTSYNC_TOPOLOGY_FILE"
	EnvCoresList    = "NTSYNC_CORES_LIST"
)

// Topology is the immutable machine shape described in spec §3.
type Topology struct {
	SocketCount    int
	NodesPerSocket int
	CoresPerNode   int

	// SocketNodeTable[s*NodesPerSocket+j] is the node-id of the j-th
	// node on socket s.
	SocketNodeTable []int
	// NodeCoreTable[n*CoresPerNode+k] is the core-id of the k-th core
	// on node n (n here indexes sites in socket-major order, matching
	// SocketNodeTable's flattening).
	NodeCoreTable []int
}

// Build discovers the topology and its tree shape, trying, in order:
// the config file named by EnvTopologyFile, sysfs, then the ghw
// fallback. It fails only if none of the three sources succeed (spec
// §4.2 "Failure modes").
func Build() (*Topology, *Shape, error) {
	if path := os.Getenv(EnvTopologyFile); path != "" {
		topo, err := loadFile(path)
		if err == nil {
			log.Infow("topology discovered from config file", "path", path)
			return finish(topo)
		}
		log.Warnw("topology config file failed, falling back", "path", path, "err", err)
	}

	if topo, err := loadSysfs(); err == nil {
		log.Infow("topology discovered from sysfs")
		return finish(topo)
	} else {
		log.Warnw("sysfs topology discovery failed, falling back", "err", err)
	}

	if topo, err := loadGhw(); err == nil {
		log.Infow("topology discovered via ghw fallback")
		return finish(topo)
	} else {
		log.Warnw("ghw topology discovery failed", "err", err)
	}

	return nil, nil, errtype.Wrap(errtype.ResourceExhausted, "topology: all discovery sources failed")
}

func finish(topo *Topology) (*Topology, *Shape, error) {
	siteCores := make([][]int, topo.SocketCount*topo.NodesPerSocket)
	for site := range siteCores {
		start := site * topo.CoresPerNode
		siteCores[site] = append([]int(nil), topo.NodeCoreTable[start:start+topo.CoresPerNode]...)
	}
	shape, err := BuildShape(topo.SocketCount, topo.NodesPerSocket, topo.CoresPerNode, siteCores)
	if err != nil {
		return nil, nil, err
	}
	checkAffinitySanity(topo)
	return topo, shape, nil
}

// checkAffinitySanity cross-checks the discovered core count against
// the process's own sched_getaffinity mask (spec §4.2). A mismatch is
// only ever logged: a cgroup or taskset restriction legitimately
// narrows the runnable set below the machine's full topology, and
// neither source is more authoritative than the other for shape
// purposes.
func checkAffinitySanity(topo *Topology) {
	allowed, err := schedAffinityCoreCount()
	if err != nil {
		log.Debugw("affinity sanity check unavailable", "err", err)
		return
	}
	discovered := topo.SocketCount * topo.NodesPerSocket * topo.CoresPerNode
	if allowed != discovered {
		log.Warnw("discovered core count does not match process affinity mask",
			"discovered", discovered, "affinity_mask", allowed)
	}
}
