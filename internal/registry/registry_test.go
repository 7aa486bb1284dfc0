package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterThreadTracksPerCoreCounts(t *testing.T) {
	r := New(4)
	t1, err := r.RegisterThread(0, "worker", nil)
	require.NoError(t, err)
	t2, err := r.RegisterThread(0, "worker", nil)
	require.NoError(t, err)
	_, err = r.RegisterThread(1, "worker", nil)
	require.NoError(t, err)

	assert.NotEqual(t, t1.Index, t2.Index)

	fr, ok := r.Function("worker")
	require.True(t, ok)
	assert.Equal(t, 2, fr.PerCoreCount(0))
	assert.Equal(t, 1, fr.PerCoreCount(1))
	assert.Equal(t, 3, fr.Total())
}

func TestRegisterThreadNotifiesNewFunctionOnce(t *testing.T) {
	r := New(4)
	notified := 0
	r.OnNewFunction = func(fn *FunctionRecord) { notified++ }

	_, err := r.RegisterThread(0, "worker", nil)
	require.NoError(t, err)
	_, err = r.RegisterThread(1, "worker", nil)
	require.NoError(t, err)
	_, err = r.RegisterThread(0, "other", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, notified)
}

func TestUnregisterThreadDecrementsCounts(t *testing.T) {
	r := New(4)
	tr, err := r.RegisterThread(0, "worker", nil)
	require.NoError(t, err)

	require.NoError(t, r.UnregisterThread(tr.Index))

	fr, ok := r.Function("worker")
	require.True(t, ok)
	assert.Equal(t, 0, fr.Total())
	assert.Equal(t, 0, fr.PerCoreCount(0))
}

func TestUnregisterThreadIsIdempotent(t *testing.T) {
	r := New(4)
	tr, err := r.RegisterThread(0, "worker", nil)
	require.NoError(t, err)

	require.NoError(t, r.UnregisterThread(tr.Index))
	require.NoError(t, r.UnregisterThread(tr.Index))

	fr, _ := r.Function("worker")
	assert.Equal(t, 0, fr.Total())
}

func TestMigrateMovesCounters(t *testing.T) {
	r := New(4)
	tr, err := r.RegisterThread(0, "worker", nil)
	require.NoError(t, err)

	require.NoError(t, r.Migrate(tr.Index, 2))

	fr, _ := r.Function("worker")
	assert.Equal(t, 0, fr.PerCoreCount(0))
	assert.Equal(t, 1, fr.PerCoreCount(2))
}

func TestEnumerateFunctions(t *testing.T) {
	r := New(4)
	_, err := r.RegisterThread(0, "a", nil)
	require.NoError(t, err)
	_, err = r.RegisterThread(0, "b", nil)
	require.NoError(t, err)

	seen := map[interface{}]bool{}
	cursor := 0
	for {
		next, fr, ok := r.EnumerateFunctions(cursor)
		if !ok {
			break
		}
		seen[fr.Func] = true
		cursor = next
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}
