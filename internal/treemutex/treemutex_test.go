package treemutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntsync/ntsync/internal/registry"
	"github.com/ntsync/ntsync/internal/topology"
)

func twoCoreShape(t *testing.T) *topology.Shape {
	t.Helper()
	shape, err := topology.BuildShape(1, 1, 2, [][]int{{0, 1}})
	require.NoError(t, err)
	return shape
}

func setup(t *testing.T) (*TreeMutex, *registry.FunctionRecord) {
	t.Helper()
	shape := twoCoreShape(t)
	reg := registry.New(2)
	tm := New(shape, reg)
	for core := 0; core < 2; core++ {
		for i := 0; i < 2; i++ {
			_, err := reg.RegisterThread(core, "worker", nil)
			require.NoError(t, err)
		}
	}
	fr, ok := reg.Function("worker")
	require.True(t, ok)
	tm.EnsureFunction(fr)
	return tm, fr
}

// Two cores with two threads each (the layout of spec §8 scenario 3):
// every lock/unlock round completes. The counter is guarded by its own
// sync.Mutex, so it tallies finished rounds; it does not itself detect
// a breach of the tree mutex's exclusion.
func TestMutexRoundsCompleteOnTwoCores(t *testing.T) {
	tm, fr := setup(t)

	var mu sync.Mutex // guards counter, which tallies finished rounds
	counter := 0
	const rounds = 200

	var wg sync.WaitGroup
	for core := 0; core < 2; core++ {
		for thread := 0; thread < 2; thread++ {
			wg.Add(1)
			threadIdx := core*2 + thread
			coreID := core
			go func() {
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					require.NoError(t, tm.Lock(fr.Index, coreID, threadIdx))
					mu.Lock()
					counter++
					mu.Unlock()
					require.NoError(t, tm.Unlock(fr.Index, coreID, threadIdx))
				}
			}()
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mutex rounds never completed")
	}
	assert.Equal(t, 2*2*rounds, counter)
}

func TestTryLockFailsWhenHeldByAnotherThread(t *testing.T) {
	tm, fr := setup(t)

	require.NoError(t, tm.Lock(fr.Index, 0, 0))
	ok, err := tm.TryLock(fr.Index, 0, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tm.Unlock(fr.Index, 0, 0))
	ok, err = tm.TryLock(fr.Index, 0, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tm.Unlock(fr.Index, 0, 1))
}

// TryLock must report Busy when the caller's own leaf is free but an
// ancestor is held by a different lineage: holding only the leaf would
// violate the mutex's ancestor-chain invariant, so this is not the
// literal leaf-only attempt spec §4.5's prose describes (see the
// TryLock doc comment and DESIGN.md).
func TestTryLockFailsWhenLeafFreeButAncestorHeldByOtherCore(t *testing.T) {
	tm, fr := setup(t)

	require.NoError(t, tm.Lock(fr.Index, 0, 0)) // core 0 holds leaf0 + root
	ok, err := tm.TryLock(fr.Index, 1, 2)        // core 1's leaf1 is free
	require.NoError(t, err)
	assert.False(t, ok, "own leaf free but root held by another core must still report Busy")

	// The caller's leaf must have been rolled back, not left locked.
	require.NoError(t, tm.Unlock(fr.Index, 0, 0))
	ok, err = tm.TryLock(fr.Index, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok, "leaf1 should still be free once the root is released")
	require.NoError(t, tm.Unlock(fr.Index, 1, 2))
}

func TestUnlockByNonOwnerFails(t *testing.T) {
	tm, fr := setup(t)
	require.NoError(t, tm.Lock(fr.Index, 0, 0))
	err := tm.Unlock(fr.Index, 0, 1)
	assert.Error(t, err)
	require.NoError(t, tm.Unlock(fr.Index, 0, 0))
}

func TestLockOnDestroyedMutexFails(t *testing.T) {
	tm, fr := setup(t)
	tm.Destroy()
	err := tm.Lock(fr.Index, 0, 0)
	assert.Error(t, err)
}

// After thread 0 on core 0 locks and fully unlocks, thread 1 on the
// same core locks; the root's owner tag is then core 0. The calls are
// sequential, so the root is re-acquired through its state bits, not
// through the owner-transfer fast path.
func TestSameCoreRelockTagsRootWithCore(t *testing.T) {
	tm, fr := setup(t)

	require.NoError(t, tm.Lock(fr.Index, 0, 0))
	require.NoError(t, tm.Unlock(fr.Index, 0, 0))

	require.NoError(t, tm.Lock(fr.Index, 0, 1))
	nodes := tm.subtrees[fr.Index]
	root := nodes[0]
	assert.Equal(t, int64(0), root.owner)
	require.NoError(t, tm.Unlock(fr.Index, 0, 1))
}
