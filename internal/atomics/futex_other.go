//go:build !linux

// Fallback wait-on-word emulation for non-Linux builds. Spec §1 assumes
// the Linux kernel facility; §9's non-goals list "portability to
// non-Linux kernels" explicitly out of scope for production use. This
// emulation exists only so the package still compiles and its tests
// still exercise the tree algorithms off Linux; it is grounded on the
// emulated-futex bucket/waiter-list pattern (condvar-per-waiter, doubly
// linked list under a bucket mutex).
package atomics

import (
	"sync"
	"unsafe"
)

type emuWaiter struct {
	next, prev *emuWaiter
	addr       uintptr
	mu         sync.Mutex
	cond       *sync.Cond
	woken      bool
}

type emuBucket struct {
	mu   sync.Mutex
	head *emuWaiter // sentinel
}

const emuBucketCount = 256

var emuBuckets [emuBucketCount]*emuBucket

func init() {
	for i := range emuBuckets {
		s := &emuWaiter{}
		s.next, s.prev = s, s
		emuBuckets[i] = &emuBucket{head: s}
	}
}

func emuHash(addr uintptr) uintptr {
	addr = (^addr) + (addr << 21)
	addr = addr ^ (addr >> 24)
	addr = addr + (addr << 3) + (addr << 8)
	addr = addr ^ (addr >> 14)
	return addr
}

func bucketFor(addr uintptr) *emuBucket {
	return emuBuckets[emuHash(addr)%emuBucketCount]
}

func enqueue(b *emuBucket, w *emuWaiter) {
	sentinel := b.head
	w.prev = sentinel.prev
	sentinel.prev.next = w
	w.next = sentinel
	sentinel.prev = w
}

func unlink(w *emuWaiter) {
	w.prev.next = w.next
	w.next.prev = w.prev
}

// WaitIfEqual is the emulated equivalent of futex(FUTEX_WAIT).
func WaitIfEqual(addr *uint32, expected uint32) error {
	a := uintptr(unsafe.Pointer(addr))
	b := bucketFor(a)

	w := &emuWaiter{addr: a}
	w.cond = sync.NewCond(&w.mu)

	b.mu.Lock()
	if Load(addr) != expected {
		b.mu.Unlock()
		return nil
	}
	enqueue(b, w)
	b.mu.Unlock()

	w.mu.Lock()
	for !w.woken {
		w.cond.Wait()
	}
	w.mu.Unlock()
	return nil
}

// WakeUp is the emulated equivalent of futex(FUTEX_WAKE).
func WakeUp(addr *uint32, n int) (int, error) {
	a := uintptr(unsafe.Pointer(addr))
	b := bucketFor(a)

	b.mu.Lock()
	defer b.mu.Unlock()

	woken := 0
	sentinel := b.head
	for it := sentinel.next; woken < n && it != sentinel; {
		next := it.next
		if it.addr == a {
			unlink(it)
			it.mu.Lock()
			it.woken = true
			it.cond.Signal()
			it.mu.Unlock()
			woken++
		}
		it = next
	}
	return woken, nil
}

// Requeue is the emulated equivalent of futex(FUTEX_REQUEUE): wake up
// to nWake waiters on src, then relink up to limit of the rest onto
// dst's bucket without waking them.
func Requeue(src *uint32, nWake int, dst *uint32, limit int) (int, error) {
	woken, _ := WakeUp(src, nWake)

	srcAddr := uintptr(unsafe.Pointer(src))
	dstAddr := uintptr(unsafe.Pointer(dst))
	srcBucket := bucketFor(srcAddr)
	dstBucket := bucketFor(dstAddr)

	srcBucket.mu.Lock()
	moved := 0
	sentinel := srcBucket.head
	var toMove []*emuWaiter
	for it := sentinel.next; moved < limit && it != sentinel; {
		next := it.next
		if it.addr == srcAddr {
			unlink(it)
			it.addr = dstAddr
			toMove = append(toMove, it)
			moved++
		}
		it = next
	}
	srcBucket.mu.Unlock()

	if len(toMove) > 0 {
		dstBucket.mu.Lock()
		for _, w := range toMove {
			enqueue(dstBucket, w)
		}
		dstBucket.mu.Unlock()
	}

	return woken, nil
}
