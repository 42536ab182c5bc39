package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewASSetRejectsInvertedBlock(t *testing.T) {
	_, err := NewASSet([]ASBlock{{Min: 10, Max: 5}})
	assert.Error(t, err)
}

func TestNewASSetSortsAndMergesAdjacent(t *testing.T) {
	set, err := NewASSet([]ASBlock{
		{Min: 100, Max: 100},
		{Min: 1, Max: 5},
		{Min: 6, Max: 10},
	})
	require.NoError(t, err)
	require.Len(t, set.Blocks, 2)
	assert.Equal(t, ASBlock{Min: 1, Max: 10}, set.Blocks[0])
	assert.Equal(t, ASBlock{Min: 100, Max: 100}, set.Blocks[1])
}

func TestNewASSetMergesOverlapping(t *testing.T) {
	set, err := NewASSet([]ASBlock{
		{Min: 1, Max: 10},
		{Min: 5, Max: 15},
	})
	require.NoError(t, err)
	require.Len(t, set.Blocks, 1)
	assert.Equal(t, ASBlock{Min: 1, Max: 15}, set.Blocks[0])
}

func TestEncompassesASReflexive(t *testing.T) {
	a, err := NewASSet([]ASBlock{{Min: 64496, Max: 64496}, {Min: 100, Max: 200}})
	require.NoError(t, err)
	assert.True(t, EncompassesAS(a, a))
}

func TestEncompassesASTransitive(t *testing.T) {
	a, _ := NewASSet([]ASBlock{{Min: 0, Max: 1000}})
	b, _ := NewASSet([]ASBlock{{Min: 100, Max: 500}})
	c, _ := NewASSet([]ASBlock{{Min: 200, Max: 300}})

	require.True(t, EncompassesAS(a, b))
	require.True(t, EncompassesAS(b, c))
	assert.True(t, EncompassesAS(a, c))
}

func TestEncompassesASRejectsOutOfRange(t *testing.T) {
	a, _ := NewASSet([]ASBlock{{Min: 100, Max: 200}})
	b, _ := NewASSet([]ASBlock{{Min: 150, Max: 250}})
	assert.False(t, EncompassesAS(a, b))
}

func TestEncompassesASMultipleDisjointBlocks(t *testing.T) {
	a, _ := NewASSet([]ASBlock{{Min: 1, Max: 10}, {Min: 100, Max: 110}})
	b, _ := NewASSet([]ASBlock{{Min: 2, Max: 5}, {Min: 105, Max: 108}})
	assert.True(t, EncompassesAS(a, b))
}

func TestEncompassesASInheritNeverEncompasses(t *testing.T) {
	a := InheritASSet()
	b, _ := NewASSet([]ASBlock{{Min: 1, Max: 10}})
	assert.False(t, EncompassesAS(a, b))
	assert.False(t, EncompassesAS(b, a))
}

func TestSingletonBlock(t *testing.T) {
	b := ASBlock{Min: 64496, Max: 64496}
	assert.True(t, b.Singleton())
	b2 := ASBlock{Min: 64496, Max: 64497}
	assert.False(t, b2.Singleton())
}
