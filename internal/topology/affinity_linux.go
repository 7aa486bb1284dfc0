//go:build linux

package topology

import "golang.org/x/sys/unix"

// schedAffinityCoreCount reports how many cores the process's own
// affinity mask currently permits it to run on, via sched_getaffinity.
// Used only as a sanity cross-check against discovered topology (spec
// §4.2's "core-count sanity checks"); a mismatch is logged, not fatal,
// since a cgroup or taskset restriction legitimately narrows the mask
// below the machine's full core count.
func schedAffinityCoreCount() (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, err
	}
	return set.Count(), nil
}
