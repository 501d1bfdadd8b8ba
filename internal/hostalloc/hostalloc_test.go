package hostalloc

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

func newAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(Options{ChunkSize: 4096, BlockSize: 256})
	require.NoError(t, err)
	return a
}

func bytesAt(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func TestAllocAligned(t *testing.T) {
	a := newAllocator(t)

	for _, align := range []int{1, 8, 16, 64, 256} {
		p := a.Alloc(100, align, vkapi.ScopeObject)
		require.NotNil(t, p, "alignment %d", align)
		assert.Zero(t, uintptr(p)%uintptr(align), "alignment %d", align)
		a.Free(p)
	}
	// A large request goes to the heap and still honors alignment.
	p := a.Alloc(8192, 128, vkapi.ScopeDevice)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)%128)
	bytesAt(p, 8192)[8191] = 1
	a.Free(p)

	stats := a.Stats()
	assert.EqualValues(t, 6, stats.Allocations)
	assert.EqualValues(t, 6, stats.Frees)
	assert.Zero(t, stats.LiveBytes)
	assert.EqualValues(t, 8192, stats.PeakBytes)
	require.NoError(t, a.Close())
}

func TestAllocRejectsBadRequests(t *testing.T) {
	a := newAllocator(t)

	assert.Nil(t, a.Alloc(0, 8, vkapi.ScopeObject))
	assert.Nil(t, a.Alloc(16, 3, vkapi.ScopeObject))
	assert.Nil(t, a.Alloc(16, 0, vkapi.ScopeObject))
	assert.EqualValues(t, 3, a.Stats().Failed)
	assert.Zero(t, a.Stats().Allocations)
	require.NoError(t, a.Close())
}

func TestLiveBytesByScope(t *testing.T) {
	a := newAllocator(t)

	inst := a.Alloc(64, 8, vkapi.ScopeInstance)
	dev := a.Alloc(32, 8, vkapi.ScopeDevice)
	stats := a.Stats()
	assert.EqualValues(t, 64, stats.LiveByScope[vkapi.ScopeInstance])
	assert.EqualValues(t, 32, stats.LiveByScope[vkapi.ScopeDevice])
	assert.EqualValues(t, 96, stats.LiveBytes)

	a.Free(dev)
	a.Free(inst)
	assert.Zero(t, a.Stats().LiveByScope[vkapi.ScopeInstance])
	require.NoError(t, a.Close())
}

func TestReallocPreservesContents(t *testing.T) {
	a := newAllocator(t)

	p := a.Alloc(16, 8, vkapi.ScopeObject)
	require.NotNil(t, p)
	copy(bytesAt(p, 16), "0123456789abcdef")

	// Growing past the block size moves the data to the heap.
	grown := a.Realloc(p, 1024, 16, vkapi.ScopeObject)
	require.NotNil(t, grown)
	assert.Equal(t, "0123456789abcdef", string(bytesAt(grown, 16)))

	shrunk := a.Realloc(grown, 4, 8, vkapi.ScopeObject)
	require.NotNil(t, shrunk)
	assert.Equal(t, "0123", string(bytesAt(shrunk, 4)))

	stats := a.Stats()
	assert.EqualValues(t, 2, stats.Reallocations)
	assert.EqualValues(t, 4, stats.LiveBytes)

	assert.Nil(t, a.Realloc(shrunk, 0, 8, vkapi.ScopeObject))
	assert.Zero(t, a.Stats().LiveBytes)
	require.NoError(t, a.Close())
}

func TestReallocNilAllocates(t *testing.T) {
	a := newAllocator(t)

	p := a.Realloc(nil, 48, 8, vkapi.ScopeCommand)
	require.NotNil(t, p)
	assert.EqualValues(t, 48, a.Stats().LiveBytes)
	assert.Zero(t, a.Stats().Reallocations)
	a.Free(p)
	require.NoError(t, a.Close())
}

func TestFreeUnknownPointer(t *testing.T) {
	a := newAllocator(t)

	var local [8]byte
	a.Free(unsafe.Pointer(&local[0]))
	a.Free(nil)
	assert.Nil(t, a.Realloc(unsafe.Pointer(&local[0]), 16, 8, vkapi.ScopeObject))
	assert.EqualValues(t, 2, a.Stats().Invalid)
	assert.Zero(t, a.Stats().Frees)

	p := a.Alloc(8, 8, vkapi.ScopeObject)
	a.Free(p)
	a.Free(p)
	assert.EqualValues(t, 3, a.Stats().Invalid)
	require.NoError(t, a.Close())
}

func TestCloseReportsLeaks(t *testing.T) {
	a := newAllocator(t)

	a.Alloc(40, 8, vkapi.ScopeDevice)
	err := a.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLeaked))
	assert.Contains(t, err.Error(), "1 allocations, 40 bytes")

	// Closed allocators refuse work and do not report twice.
	assert.Nil(t, a.Alloc(8, 8, vkapi.ScopeObject))
	assert.NoError(t, a.Close())
}

func TestConcurrentAlloc(t *testing.T) {
	a := newAllocator(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(size int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p := a.Alloc(size, 8, vkapi.ScopeObject)
				if p != nil {
					a.Free(p)
				}
			}
		}(16 + g*64)
	}
	wg.Wait()

	stats := a.Stats()
	assert.EqualValues(t, 800, stats.Allocations)
	assert.EqualValues(t, 800, stats.Frees)
	assert.Zero(t, stats.LiveBytes)
	require.NoError(t, a.Close())
}

func TestScopeNames(t *testing.T) {
	assert.Equal(t, "instance", vkapi.ScopeInstance.String())
	assert.Equal(t, "command", vkapi.ScopeCommand.String())
}
