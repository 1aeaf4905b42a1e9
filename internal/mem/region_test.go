package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/james-card/nanoos/internal/kernel"
)

func TestRegion_AllocateAndFreeRestoresFreeMemory(t *testing.T) {
	r := NewRegion(1024)
	before := r.FreeMemory()

	var addrs []Addr
	for i := 0; i < 5; i++ {
		a := r.Realloc(NullAddr, 32, 4)
		require.NotEqual(t, NullAddr, a, "allocation %d failed", i)
		addrs = append(addrs, a)
	}
	assert.Less(t, r.FreeMemory(), before)

	// Free newest-first so every free compacts.
	for i := len(addrs) - 1; i >= 0; i-- {
		r.Free(addrs[i])
	}
	assert.Equal(t, before, r.FreeMemory(),
		"free memory should return to its pre-allocation value")
}

func TestRegion_TopFreeCompaction(t *testing.T) {
	r := NewRegion(1024)

	a := r.Realloc(NullAddr, 16, 4)
	b := r.Realloc(NullAddr, 32, 4)
	c := r.Realloc(NullAddr, 16, 4)
	require.NotEqual(t, NullAddr, a)
	require.NotEqual(t, NullAddr, b)
	require.NotEqual(t, NullAddr, c)

	afterC := r.FreeMemory()

	// Freeing C (the top) compacts past it; freeing B then compacts past
	// both.
	r.Free(c)
	r.Free(b)
	assert.Equal(t, afterC+32+16+2*NodeSize, r.FreeMemory())

	r.Free(a)
	assert.Equal(t, afterC+32+16+16+3*NodeSize, r.FreeMemory())
}

func TestRegion_FreeNonTopLeavesHoleUntilCompaction(t *testing.T) {
	r := NewRegion(1024)

	a := r.Realloc(NullAddr, 16, 4)
	b := r.Realloc(NullAddr, 16, 4)
	require.NotEqual(t, NullAddr, a)
	require.NotEqual(t, NullAddr, b)

	afterB := r.FreeMemory()

	// Freeing A (not the top) must not move the top.
	r.Free(a)
	assert.Equal(t, afterB, r.FreeMemory())

	// Freeing B compacts past both.
	r.Free(b)
	assert.Equal(t, afterB+2*(16+NodeSize), r.FreeMemory())
}

func TestRegion_FreeByOwner(t *testing.T) {
	r := NewRegion(2048)
	before := r.FreeMemory()

	a4 := r.Realloc(NullAddr, 64, 4)
	a5 := r.Realloc(NullAddr, 64, 5)
	b4 := r.Realloc(NullAddr, 64, 4)
	require.NotEqual(t, NullAddr, a4)
	require.NotEqual(t, NullAddr, a5)
	require.NotEqual(t, NullAddr, b4)

	r.FreeByOwner(4)

	// Every node owned by PID 4 is gone.
	assert.Zero(t, r.SizeOf(a4))
	assert.Zero(t, r.SizeOf(b4))
	assert.Equal(t, kernel.ProcessID(5), r.OwnerOf(a5))
	assert.Equal(t, uint16(64), r.SizeOf(a5))

	r.FreeByOwner(5)
	assert.Equal(t, before, r.FreeMemory())
}

func TestRegion_ReallocShrinkKeepsPointerAndSize(t *testing.T) {
	r := NewRegion(1024)

	a := r.Realloc(NullAddr, 64, 4)
	require.NotEqual(t, NullAddr, a)

	// A smaller request fits in place and must not shrink the recorded
	// size.
	b := r.Realloc(a, 16, 4)
	assert.Equal(t, a, b)
	assert.Equal(t, uint16(64), r.SizeOf(a))
}

func TestRegion_ReallocTopExtendsInPlace(t *testing.T) {
	r := NewRegion(1024)

	a := r.Realloc(NullAddr, 16, 4)
	require.NotEqual(t, NullAddr, a)
	copy(r.Bytes(a), "0123456789abcdef")

	b := r.Realloc(a, 32, 4)
	require.NotEqual(t, NullAddr, b)
	assert.Equal(t, uint16(32), r.SizeOf(b))
	assert.Equal(t, "0123456789abcdef", string(r.Bytes(b)[:16]),
		"contents must survive an in-place extension")

	// Only one node should exist: extending the top must not leave the
	// old node behind.
	r.Free(b)
	assert.Equal(t, r.mallocStart, r.mallocNext)
}

func TestRegion_ReallocMovesNonTopAllocation(t *testing.T) {
	r := NewRegion(1024)

	a := r.Realloc(NullAddr, 16, 4)
	b := r.Realloc(NullAddr, 16, 4)
	require.NotEqual(t, NullAddr, a)
	require.NotEqual(t, NullAddr, b)
	copy(r.Bytes(a), "hello world....!")

	grown := r.Realloc(a, 64, 4)
	require.NotEqual(t, NullAddr, grown)
	assert.NotEqual(t, a, grown)
	assert.Equal(t, "hello world....!", string(r.Bytes(grown)[:16]))
	assert.Zero(t, r.SizeOf(a), "old allocation should have been freed")
	assert.Equal(t, uint16(16), r.SizeOf(b))
}

func TestRegion_ReallocZeroFrees(t *testing.T) {
	r := NewRegion(1024)
	before := r.FreeMemory()

	a := r.Realloc(NullAddr, 32, 4)
	require.NotEqual(t, NullAddr, a)
	assert.Equal(t, NullAddr, r.Realloc(a, 0, 4))
	assert.Equal(t, before, r.FreeMemory())
}

func TestRegion_ExhaustionReturnsNull(t *testing.T) {
	r := NewRegion(256)

	var last Addr
	for i := 0; i < 100; i++ {
		a := r.Realloc(NullAddr, 64, 4)
		if a == NullAddr {
			break
		}
		last = a
	}
	require.NotEqual(t, NullAddr, last, "at least one allocation must fit")
	assert.Equal(t, NullAddr, r.Realloc(NullAddr, 64, 4),
		"an exhausted region must report OOM as a null address")
}

func TestRegion_FreeOutsideRegionIgnored(t *testing.T) {
	r := NewRegion(512)
	before := r.FreeMemory()

	r.Free(NullAddr)
	r.Free(Addr(1 << 20))
	assert.Equal(t, before, r.FreeMemory())
}

func TestRegion_SizesRoundedToEight(t *testing.T) {
	r := NewRegion(1024)

	a := r.Realloc(NullAddr, 3, 4)
	require.NotEqual(t, NullAddr, a)
	assert.Equal(t, uint16(8), r.SizeOf(a))
}

func TestRegion_AssignOwner(t *testing.T) {
	r := NewRegion(512)

	a := r.Realloc(NullAddr, 16, kernel.SchedulerProcessID)
	require.NotEqual(t, NullAddr, a)
	require.True(t, r.AssignOwner(a, 5))
	assert.Equal(t, kernel.ProcessID(5), r.OwnerOf(a))

	r.FreeByOwner(5)
	assert.Zero(t, r.SizeOf(a))
}
