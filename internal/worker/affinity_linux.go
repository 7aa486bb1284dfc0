//go:build linux

package worker

import (
	"golang.org/x/sys/unix"

	"github.com/ntsync/ntsync/internal/errtype"
)

// pinToCore pins the calling OS thread to coreID via sched_setaffinity
// (spec §4.7). The caller must have already called
// runtime.LockOSThread so the pin outlives goroutine rescheduling.
func pinToCore(coreID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errtype.Wrapf(errtype.KernelFault, "worker: sched_setaffinity: %v", err)
	}
	return nil
}

// setBatchScheduling switches the calling thread to SCHED_BATCH to
// reduce involuntary context switches between cooperating worker
// threads pinned to the same core (spec §4.7).
func setBatchScheduling() error {
	param := &unix.SchedParam{Priority: 0}
	if err := unix.SchedSetscheduler(0, unix.SCHED_BATCH, param); err != nil {
		return errtype.Wrapf(errtype.KernelFault, "worker: sched_setscheduler: %v", err)
	}
	return nil
}
