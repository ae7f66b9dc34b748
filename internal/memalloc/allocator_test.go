package memalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostAllocatorTracksIndependentPoolBudgets(t *testing.T) {
	a := NewHostAllocator(1000, 2000)

	assert.Equal(t, 1000, a.FreeBytes(PoolSmall))
	assert.Equal(t, 2000, a.FreeBytes(PoolLarge))

	a.Reserve(PoolSmall, 300)
	a.Reserve(PoolLarge, 500)
	assert.Equal(t, 700, a.FreeBytes(PoolSmall))
	assert.Equal(t, 1500, a.FreeBytes(PoolLarge))

	a.Release(PoolSmall, 100)
	assert.Equal(t, 800, a.FreeBytes(PoolSmall))
	assert.Equal(t, 1500, a.FreeBytes(PoolLarge), "releasing the small pool must not touch the large pool's budget")
}

func TestHostAllocatorClampsFreeBytesAtZeroWhenOverReserved(t *testing.T) {
	a := NewHostAllocator(100, 100)
	a.Reserve(PoolSmall, 500)
	assert.Equal(t, 0, a.FreeBytes(PoolSmall))
}

func TestHostAllocatorClampsReleaseAtZeroReserved(t *testing.T) {
	a := NewHostAllocator(100, 100)
	a.Release(PoolSmall, 50) // releasing more than ever reserved must not go negative
	assert.Equal(t, 100, a.FreeBytes(PoolSmall))
}

func TestForceDefragmentDoesNotPanic(t *testing.T) {
	a := NewHostAllocator(100, 100)
	assert.NotPanics(t, a.ForceDefragment)
}
