package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ntsync/ntsync/internal/registry"
)

func TestPoolAssignsCoresRoundRobin(t *testing.T) {
	reg := registry.New(4)
	p := New(reg, []int{0, 1, 2, 3})
	p.affinity = func(int) error { return nil } // affinity pinning isn't under test here

	g, ctx := errgroup.WithContext(context.Background())
	var seenCores int32
	var perCore [4]int32
	for i := 0; i < 8; i++ {
		p.Go(g, ctx, "worker", nil, func(ctx context.Context, h *Handle) error {
			atomic.AddInt32(&seenCores, 1)
			atomic.AddInt32(&perCore[h.CoreID], 1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(8), seenCores)
	for core := range perCore {
		assert.Equal(t, int32(2), atomic.LoadInt32(&perCore[core]), "core %d", core)
	}

	fr, ok := reg.Function("worker")
	require.True(t, ok)
	assert.Equal(t, 0, fr.Total()) // every worker unregistered on return
}

func TestPoolWorkerReceivesHandle(t *testing.T) {
	reg := registry.New(4)
	p := New(reg, []int{0, 1})
	p.affinity = func(int) error { return nil }

	g, ctx := errgroup.WithContext(context.Background())
	var gotCore int32 = -1
	p.Go(g, ctx, "worker", nil, func(ctx context.Context, h *Handle) error {
		atomic.StoreInt32(&gotCore, int32(h.CoreID))
		return nil
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(0), atomic.LoadInt32(&gotCore))
}

func TestPoolPropagatesWorkerError(t *testing.T) {
	reg := registry.New(4)
	p := New(reg, []int{0})
	p.affinity = func(int) error { return nil }

	g, ctx := errgroup.WithContext(context.Background())
	boom := assert.AnError
	p.Go(g, ctx, "worker", nil, func(ctx context.Context, h *Handle) error {
		return boom
	})

	err := g.Wait()
	assert.ErrorIs(t, err, boom)
}

func TestPoolCancelsSiblingsOnError(t *testing.T) {
	reg := registry.New(4)
	p := New(reg, []int{0, 1})
	p.affinity = func(int) error { return nil }

	g, ctx := errgroup.WithContext(context.Background())
	p.Go(g, ctx, "a", nil, func(ctx context.Context, h *Handle) error {
		return assert.AnError
	})
	p.Go(g, ctx, "b", nil, func(ctx context.Context, h *Handle) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})

	err := g.Wait()
	assert.Error(t, err)
}
