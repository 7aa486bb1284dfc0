package topology

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/ntsync/ntsync/internal/errtype"
)

// loadFile parses the topology configuration file format of spec §6:
//
//	s <socket_cnt>,<node_cnt>,<core_cnt>
//	n <comma-or-range-separated integers>   -- flattened socket->node table
//	c <comma-or-range-separated integers>   -- flattened node->core table
//
// A suitable off-the-shelf config-format parser doesn't fit this: it's
// a bespoke three-line, range-syntax grammar with no keys/values, so
// bufio+strconv is used directly rather than reaching for a generic
// config library (see DESIGN.md).
func loadFile(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errtype.Wrapf(errtype.ResourceExhausted, "topology file: %v", err)
	}
	defer f.Close()

	var sLine, nLine, cLine string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prefix, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		switch prefix {
		case "s":
			sLine = rest
		case "n":
			nLine = rest
		case "c":
			cLine = rest
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errtype.Wrapf(errtype.ResourceExhausted, "topology file: %v", err)
	}
	if sLine == "" || nLine == "" || cLine == "" {
		return nil, errtype.Wrap(errtype.InvalidState, "topology file: missing s/n/c line")
	}

	counts := strings.Split(sLine, ",")
	if len(counts) != 3 {
		return nil, errtype.Wrap(errtype.InvalidState, "topology file: 's' line must have 3 counts")
	}
	socketCount, err1 := strconv.Atoi(strings.TrimSpace(counts[0]))
	nodeCount, err2 := strconv.Atoi(strings.TrimSpace(counts[1]))
	coreCount, err3 := strconv.Atoi(strings.TrimSpace(counts[2]))
	if err1 != nil || err2 != nil || err3 != nil || socketCount <= 0 || nodeCount <= 0 || coreCount <= 0 {
		return nil, errtype.Wrap(errtype.InvalidState, "topology file: invalid 's' counts")
	}

	nodes, err := parseRangeList(nLine)
	if err != nil {
		return nil, errtype.Wrapf(errtype.InvalidState, "topology file: 'n' line: %v", err)
	}
	cores, err := parseRangeList(cLine)
	if err != nil {
		return nil, errtype.Wrapf(errtype.InvalidState, "topology file: 'c' line: %v", err)
	}
	if len(nodes) != socketCount*nodeCount {
		return nil, errtype.Wrapf(errtype.InvalidState, "topology file: 'n' line has %d entries, want %d", len(nodes), socketCount*nodeCount)
	}
	if len(cores) != socketCount*nodeCount*coreCount {
		return nil, errtype.Wrapf(errtype.InvalidState, "topology file: 'c' line has %d entries, want %d", len(cores), socketCount*nodeCount*coreCount)
	}

	return &Topology{
		SocketCount:     socketCount,
		NodesPerSocket:  nodeCount,
		CoresPerNode:    coreCount,
		SocketNodeTable: nodes,
		NodeCoreTable:   cores,
	}, nil
}

// ParseRangeList is the exported form of parseRangeList, reused by
// internal/config for the NTSYNC_CORES_LIST environment variable
// (spec §6), which shares the topology file's dash-range syntax.
func ParseRangeList(s string) ([]int, error) {
	return parseRangeList(s)
}

// parseRangeList parses a "0-3,8,12-15" style list into its flattened
// slice of ints, preserving order.
func parseRangeList(s string) ([]int, error) {
	var out []int
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			loN, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, err
			}
			hiN, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, err
			}
			for v := loN; v <= hiN; v++ {
				out = append(out, v)
			}
			continue
		}
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
