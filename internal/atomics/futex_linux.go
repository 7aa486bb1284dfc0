//go:build linux

package atomics

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ntsync/ntsync/internal/errtype"
)

// WaitIfEqual sleeps the calling thread while *addr == expected. It is
// the FUTEX_WAIT side of spec §4.1's "sleep while *word == expected";
// FUTEX_PRIVATE_FLAG keeps the wait process-private, matching "all
// three are process-private".
func WaitIfEqual(addr *uint32, expected uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT|unix.FUTEX_PRIVATE_FLAG),
		uintptr(expected),
		0, 0, 0,
	)
	// EAGAIN: *addr != expected at the kernel's check, i.e. "value
	// already changed" -- not an error for our purposes. EINTR: a
	// spurious release, also not an error -- the caller re-checks its
	// own condition per spec §4.1 ("returns without guarantee that the
	// condition has changed").
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
		return errtype.Wrapf(errtype.KernelFault, "futex wait: %v", errno)
	}
	return nil
}

// WakeUp wakes at most n sleepers blocked on addr and returns the
// number actually woken.
func WakeUp(addr *uint32, n int) (int, error) {
	woken, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE|unix.FUTEX_PRIVATE_FLAG),
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return 0, errtype.Wrapf(errtype.KernelFault, "futex wake: %v", errno)
	}
	return int(woken), nil
}

// Requeue wakes up to nWake sleepers on src, then moves up to limit of
// the remaining sleepers to dst's wait queue without waking them
// (spec §4.1; used by condvar broadcast to avoid a thundering herd).
func Requeue(src *uint32, nWake int, dst *uint32, limit int) (int, error) {
	woken, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(src)),
		uintptr(unix.FUTEX_REQUEUE|unix.FUTEX_PRIVATE_FLAG),
		uintptr(nWake),
		uintptr(limit),
		uintptr(unsafe.Pointer(dst)),
		0,
	)
	if errno != 0 {
		return 0, errtype.Wrapf(errtype.KernelFault, "futex requeue: %v", errno)
	}
	return int(woken), nil
}
