package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildShapeSingleSocketFourCores(t *testing.T) {
	// 1 socket x 1 node x 4 cores, matching spec §8 scenario 1.
	shape, err := BuildShape(1, 1, 4, [][]int{{0, 1, 2, 3}})
	require.NoError(t, err)

	assert.Equal(t, 4, shape.NumCores)
	assert.Equal(t, 1, shape.NumSites)
	assert.Equal(t, NoParent, shape.Parent[0])

	// Every core leaf's ancestor chain must terminate at the root.
	for core := 0; core < 4; core++ {
		leaf, ok := shape.CoreToLeaf[core]
		require.True(t, ok)
		idx := leaf
		seen := map[int]bool{}
		for idx != 0 {
			assert.False(t, seen[idx], "cycle detected while walking to root")
			seen[idx] = true
			idx = shape.Parent[idx]
		}
	}
}

func TestBuildShapeNonPowerOfTwoSites(t *testing.T) {
	// 3 sockets x 1 node x 2 cores: 3 sites is not a power of two, so
	// the binary section must be padded (see DESIGN.md's decision for
	// the non-power-of-two Open Question).
	shape, err := BuildShape(3, 1, 2, [][]int{{0, 1}, {2, 3}, {4, 5}})
	require.NoError(t, err)
	assert.Equal(t, 4, shape.PaddedSite)
	assert.Equal(t, 3, shape.NumSites)
	assert.Equal(t, 6, shape.NumCores)
	assert.Equal(t, 2*4-1+6, shape.Len())
}

func TestCoreLeafMapsAreBijective(t *testing.T) {
	shape, err := BuildShape(2, 2, 2, [][]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}})
	require.NoError(t, err)
	for core, leaf := range shape.CoreToLeaf {
		assert.Equal(t, core, shape.LeafToCore[leaf])
	}
}

func TestAcyclicSingleRoot(t *testing.T) {
	shape, err := BuildShape(2, 2, 2, [][]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}})
	require.NoError(t, err)

	roots := 0
	for i, p := range shape.Parent {
		if p == NoParent {
			roots++
			continue
		}
		assert.Less(t, p, i, "parent index must precede child in this construction")
	}
	assert.Equal(t, 1, roots)
}
