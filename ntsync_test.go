package ntsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntsync/ntsync/internal/config"
	"github.com/ntsync/ntsync/internal/registry"
	"github.com/ntsync/ntsync/internal/topology"
	"github.com/ntsync/ntsync/internal/treecond"
	"github.com/ntsync/ntsync/internal/worker"
)

// testRuntime assembles a Runtime without going through topology
// discovery, the same way the internal packages' own tests build a
// shape directly, so these tests don't depend on the host's sysfs.
func testRuntime(t *testing.T, socketCount, nodesPerSocket, coresPerNode int) *Runtime {
	t.Helper()
	numSites := socketCount * nodesPerSocket
	siteCores := make([][]int, numSites)
	core := 0
	for s := 0; s < numSites; s++ {
		cores := make([]int, coresPerNode)
		for k := range cores {
			cores[k] = core
			core++
		}
		siteCores[s] = cores
	}
	shape, err := topology.BuildShape(socketCount, nodesPerSocket, coresPerNode, siteCores)
	require.NoError(t, err)

	reg := registry.New(core)
	rt := &Runtime{Shape: shape, Registry: reg, Config: &config.Config{}}
	reg.OnNewFunction = rt.onNewFunction
	reg.OnThreadChange = rt.onThreadChange

	allCores := make([]int, core)
	for i := range allCores {
		allCores[i] = i
	}
	rt.Pool = worker.New(reg, allCores)
	return rt
}

func handleFor(t *testing.T, rt *Runtime, coreID int, fn registry.FuncID) *worker.Handle {
	t.Helper()
	tr, err := rt.Registry.RegisterThread(coreID, fn, nil)
	require.NoError(t, err)
	return &worker.Handle{FuncIdx: tr.FuncIdx, CoreID: coreID, ThreadIdx: tr.Index}
}

// Scenario 1 (first episode) end-to-end through the high-level Barrier.
func TestBarrierEndToEnd(t *testing.T) {
	rt := testRuntime(t, 1, 1, 4)
	b := NewBarrier(rt, 4)

	handles := make([]*worker.Handle, 4)
	for i := 0; i < 4; i++ {
		handles[i] = handleFor(t, rt, i, "worker")
	}

	var serial int32
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *worker.Handle) {
			defer wg.Done()
			isSerial, err := b.Wait(rt, 4, h)
			assert.NoError(t, err)
			if isSerial {
				serial++
			}
		}(h)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("barrier episode never completed")
	}
	assert.Equal(t, int32(1), serial)
}

// Scenario 3 (spec §8): mutex locality — the lock stays on one core
// before migrating.
func TestMutexLocalityScenario(t *testing.T) {
	rt := testRuntime(t, 1, 1, 2)
	m := NewMutex(rt)

	h00 := handleFor(t, rt, 0, "worker")
	h01 := handleFor(t, rt, 0, "worker")
	h10 := handleFor(t, rt, 1, "worker")
	h11 := handleFor(t, rt, 1, "worker")

	var mu sync.Mutex
	var order []int
	race := func(core int, h *worker.Handle) {
		require.NoError(t, m.Lock(rt, h))
		mu.Lock()
		order = append(order, core)
		mu.Unlock()
		require.NoError(t, m.Unlock(h))
	}

	var wg sync.WaitGroup
	for _, pair := range []*worker.Handle{h00, h01, h10, h11} {
		wg.Add(1)
		h := pair
		go func() {
			defer wg.Done()
			race(h.CoreID, h)
		}()
	}
	wg.Wait()

	adjacent := false
	for i := 0; i+1 < len(order); i++ {
		if order[i] == order[i+1] {
			adjacent = true
			break
		}
	}
	assert.True(t, adjacent, "expected at least one adjacent same-core pair in %v", order)
}

// Scenario 5 (spec §8): two threads race to first-lock a zero-valued
// Mutex; the test checks that neither deadlocks.
func TestFirstUseLazyInitializationRace(t *testing.T) {
	rt := testRuntime(t, 1, 1, 2)
	var m Mutex // zero value: no constructor called

	h0 := handleFor(t, rt, 0, "worker")
	h1 := handleFor(t, rt, 1, "worker")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, m.Lock(rt, h0))
		require.NoError(t, m.Unlock(h0))
	}()
	go func() {
		defer wg.Done()
		require.NoError(t, m.Lock(rt, h1))
		require.NoError(t, m.Unlock(h1))
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("first-use race deadlocked")
	}
}

// Owner-tag check on a shared leaf: T0 locks and unlocks, then T1 (same
// core, same leaf) locks; while T1 holds the mutex, T2 on a different
// core must see it as busy. The calls are sequential, so this does not
// drive a concurrent T0-to-T1 hand-off.
func TestOwnerTransferLockCorrectness(t *testing.T) {
	rt := testRuntime(t, 1, 1, 2)
	m := NewMutex(rt)

	h0 := handleFor(t, rt, 0, "worker")
	h1 := handleFor(t, rt, 0, "worker")

	require.NoError(t, m.Lock(rt, h0))
	require.NoError(t, m.Unlock(h0))
	require.NoError(t, m.Lock(rt, h1))

	// While T1 (same core as T0) holds the interior lock, a different
	// core's trylock must observe it as busy, not free.
	h2 := handleFor(t, rt, 1, "worker")
	ok, err := m.TryLock(rt, h2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Unlock(h1))
}

func TestMutexDestroyIsNotImplemented(t *testing.T) {
	rt := testRuntime(t, 1, 1, 1)
	m := NewMutex(rt)
	err := m.Destroy()
	assert.Error(t, err)
}

func TestCondvarBroadcastWakesAllWaiters(t *testing.T) {
	rt := testRuntime(t, 1, 1, 4)
	m := NewMutex(rt)
	c := NewCondvar(rt, treecond.FullyDistributed, 1)

	const n = 8
	handles := make([]*worker.Handle, n)
	for i := 0; i < n; i++ {
		handles[i] = handleFor(t, rt, i%4, "worker")
	}

	var ready sync.WaitGroup
	ready.Add(n)
	var returned int32
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *worker.Handle) {
			defer wg.Done()
			require.NoError(t, m.Lock(rt, h))
			ready.Done()
			require.NoError(t, c.Wait(m, h))
			returned++
			require.NoError(t, m.Unlock(h))
		}(h)
	}

	waitDone := make(chan struct{})
	go func() { ready.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(3 * time.Second):
		t.Fatal("waiters never reached cond.Wait")
	}
	time.Sleep(20 * time.Millisecond)

	main := handleFor(t, rt, 0, "worker")
	require.NoError(t, m.Lock(rt, main))
	require.NoError(t, c.Broadcast(m, main))
	require.NoError(t, m.Unlock(main))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all waiters returned from broadcast")
	}
	assert.Equal(t, int32(n), returned)
}

// spec §6: MainThreadHandling=other treats the value itself as a
// literal entry-point identity for the main thread.
func TestRegisterMainThreadExplicitEntryPoint(t *testing.T) {
	rt := testRuntime(t, 1, 1, 2)
	rt.Config = &config.Config{
		MainThreadHandling:   config.MainThreadExplicitEntryPoint,
		MainThreadEntryPoint: 99,
	}

	require.NoError(t, rt.RegisterMainThread(0))
	h, err := rt.MainThreadHandle()
	require.NoError(t, err)

	fr, ok := rt.Registry.Function(99)
	require.True(t, ok)
	assert.Equal(t, fr.Index, h.FuncIdx)
}

// spec §6/§4.3: MainThreadHandling=1 folds the main thread onto
// whichever worker function registers first, patched in lazily via
// update_thread_func once that function is known.
func TestRegisterMainThreadAsFirstWorkerPatchesOnFutureRegistration(t *testing.T) {
	rt := testRuntime(t, 1, 1, 2)
	rt.Config = &config.Config{MainThreadHandling: config.MainThreadAsFirstWorker}

	require.NoError(t, rt.RegisterMainThread(0))
	before, err := rt.MainThreadHandle()
	require.NoError(t, err)

	worker := handleFor(t, rt, 1, "worker")

	after, err := rt.MainThreadHandle()
	require.NoError(t, err)
	assert.NotEqual(t, before.FuncIdx, after.FuncIdx, "main thread should have patched onto the worker function")
	assert.Equal(t, worker.FuncIdx, after.FuncIdx)
}

// Same as above, but the worker function already exists by the time
// RegisterMainThread runs: there is no future onNewFunction event to
// patch on, so the patch must happen immediately against the function
// already known.
func TestRegisterMainThreadAsFirstWorkerPatchesImmediatelyIfWorkerAlreadyRegistered(t *testing.T) {
	rt := testRuntime(t, 1, 1, 2)
	rt.Config = &config.Config{MainThreadHandling: config.MainThreadAsFirstWorker}

	worker := handleFor(t, rt, 1, "worker")

	require.NoError(t, rt.RegisterMainThread(0))
	h, err := rt.MainThreadHandle()
	require.NoError(t, err)
	assert.Equal(t, worker.FuncIdx, h.FuncIdx)
}

// spec §6: MainThreadHandling=0 (the default) registers nothing.
func TestRegisterMainThreadUntouchedRegistersNothing(t *testing.T) {
	rt := testRuntime(t, 1, 1, 2)
	require.NoError(t, rt.RegisterMainThread(0))
	_, err := rt.MainThreadHandle()
	assert.Error(t, err)
}
