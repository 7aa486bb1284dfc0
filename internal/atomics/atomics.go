// Package atomics is the thin RMW + wait-on-word layer every tree
// primitive in ntsync is built from (spec §4.1). Every read-modify-write
// here is a full fence; every load is at least an acquire; sync/atomic's
// own memory model also acts as the compiler barrier, so no
// publication point needs a hand-rolled fence.
package atomics

import (
	"runtime"
	"sync/atomic"
)

// AddUint32 atomically adds delta to *addr and returns the new value.
func AddUint32(addr *uint32, delta uint32) uint32 {
	return atomic.AddUint32(addr, delta)
}

// SubUint32 atomically subtracts delta from *addr and returns the new
// value.
func SubUint32(addr *uint32, delta uint32) uint32 {
	return atomic.AddUint32(addr, ^(delta - 1))
}

// OrUint32 atomically ORs mask into *addr and returns the value that
// was there immediately before the OR took effect.
func OrUint32(addr *uint32, mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|mask) {
			return old
		}
	}
}

// AndUint32 atomically ANDs mask into *addr and returns the value that
// was there immediately before the AND took effect.
func AndUint32(addr *uint32, mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&mask) {
			return old
		}
	}
}

// Xchg atomically stores val into *addr and returns the previous
// value.
func Xchg(addr *uint32, val uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, val) {
			return old
		}
	}
}

// CAS performs a compare-and-swap and reports the value that was
// present at *addr at the time of the attempt, regardless of whether
// the swap succeeded — callers compare the return value against
// "old" themselves to learn whether they won the race, mirroring the
// source's "cas returning old value" contract (spec §4.1).
func CAS(addr *uint32, old, new uint32) uint32 {
	if atomic.CompareAndSwapUint32(addr, old, new) {
		return old
	}
	return atomic.LoadUint32(addr)
}

// CAS64 is CAS over a 64-bit word, used by the barrier's packed
// (sequence, arrived) store (spec §4.4).
func CAS64(addr *uint64, old, new uint64) uint64 {
	if atomic.CompareAndSwapUint64(addr, old, new) {
		return old
	}
	return atomic.LoadUint64(addr)
}

// Load is a volatile, acquire-ordered read of *addr.
func Load(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// Load64 is Load over a 64-bit word.
func Load64(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

// Store is a release-ordered write of *addr.
func Store(addr *uint32, val uint32) {
	atomic.StoreUint32(addr, val)
}

// Store64 is Store over a 64-bit word.
func Store64(addr *uint64, val uint64) {
	atomic.StoreUint64(addr, val)
}

// LoadInt32 is an acquire-ordered read of *addr.
func LoadInt32(addr *int32) int32 {
	return atomic.LoadInt32(addr)
}

// StoreInt32 is a release-ordered write of *addr.
func StoreInt32(addr *int32, val int32) {
	atomic.StoreInt32(addr, val)
}

// AddInt32 atomically adds delta to *addr and returns the new value,
// used for the barrier's interior total-count, which is written by
// RefreshTotals concurrently with arrive()'s unsynchronized reads
// otherwise (spec §4.4).
func AddInt32(addr *int32, delta int32) int32 {
	return atomic.AddInt32(addr, delta)
}

// LoadInt64 is an acquire-ordered read of *addr.
func LoadInt64(addr *int64) int64 {
	return atomic.LoadInt64(addr)
}

// StoreInt64 is a release-ordered write of *addr.
func StoreInt64(addr *int64, val int64) {
	atomic.StoreInt64(addr, val)
}

// CASInt64 is CAS over a signed 64-bit word, used for owner tags.
func CASInt64(addr *int64, old, new int64) bool {
	return atomic.CompareAndSwapInt64(addr, old, new)
}

// Pause is the CPU pause hint issued between spin attempts so a
// contended spin loop doesn't starve the core's memory pipeline.
// runtime.Gosched is the portable stand-in for PAUSE/YIELD on a
// goroutine scheduler: it lets a co-located goroutine that is about to
// release the node run before we spin again.
func Pause() {
	runtime.Gosched()
}
