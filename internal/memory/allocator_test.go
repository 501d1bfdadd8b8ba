package memory

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
	"github.com/vkngwrapper/rendercore/internal/vkapi/vkapitest"
)

const (
	deviceLocal = core1_0.MemoryPropertyDeviceLocal
	hostVisible = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
)

func newTestDevice(t *testing.T, heapSize int) (*vkapitest.Device, vkapi.MemoryProperties, *vkapitest.Recorder) {
	t.Helper()
	gpu := vkapitest.NewGPU("test", vkapi.DeviceTypeDiscreteGPU, heapSize)
	loader := vkapitest.NewLoader(gpu)
	instance, err := loader.CreateInstance(vkapi.InstanceInfo{ApplicationName: t.Name()})
	require.NoError(t, err)
	physical, err := instance.PhysicalDevices()
	require.NoError(t, err)
	device, err := instance.CreateDevice(physical[0], vkapi.DeviceInfo{QueueFamilies: []int{0}})
	require.NoError(t, err)
	return device.(*vkapitest.Device), gpu.Memory, loader.Recorder
}

func requirements(size, alignment int) vkapi.MemoryRequirements {
	return vkapi.MemoryRequirements{Size: size, Alignment: alignment, TypeBits: 0b11}
}

func TestFindMemoryType(t *testing.T) {
	device, props, _ := newTestDevice(t, 256<<20)
	a := New(device, props, CreateOptions{})

	index, err := a.FindMemoryType(0b11, 0, deviceLocal)
	require.NoError(t, err)
	assert.Equal(t, 0, index)

	index, err = a.FindMemoryType(0b11, hostVisible, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	// Preferred flags are a tiebreak, not a requirement.
	index, err = a.FindMemoryType(0b10, 0, deviceLocal)
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	_, err = a.FindMemoryType(0b01, hostVisible, 0)
	assert.True(t, errors.Is(err, ErrNoMemoryType))

	_, err = a.FindMemoryType(0b11, deviceLocal|core1_0.MemoryPropertyHostCached, 0)
	assert.True(t, errors.Is(err, ErrNoMemoryType))
}

func TestSuballocationSharesBlocks(t *testing.T) {
	device, props, rec := newTestDevice(t, 256<<20)
	a := New(device, props, CreateOptions{})

	first, err := a.Allocate("first", TilingLinear, requirements(1000, 256), deviceLocal, 0)
	require.NoError(t, err)
	second, err := a.Allocate("second", TilingLinear, requirements(1000, 256), deviceLocal, 0)
	require.NoError(t, err)

	assert.Equal(t, first.Memory(), second.Memory())
	assert.Equal(t, 0, first.Offset())
	assert.Equal(t, 1024, second.Offset())
	assert.False(t, first.Dedicated())

	stats := a.Stats()
	assert.Equal(t, 1, stats.Blocks)
	assert.Equal(t, 2, stats.Allocations)
	assert.Equal(t, 2000, stats.UsedBytes)
	// A 256 MiB heap is small, so blocks are an eighth of it.
	assert.Equal(t, 32<<20, stats.ReservedBytes)

	require.NoError(t, a.Free(first))
	third, err := a.Allocate("third", TilingLinear, requirements(512, 256), deviceLocal, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, third.Offset(), "freed gap is reused")

	require.NoError(t, a.Free(second))
	require.NoError(t, a.Free(third))
	assert.Zero(t, a.Stats().Blocks)
	assert.Zero(t, device.Live("memory"))
	assert.Empty(t, rec.Violations())
}

func TestBlocksFillUp(t *testing.T) {
	device, props, _ := newTestDevice(t, 8<<20)
	a := New(device, props, CreateOptions{})

	// Blocks are 1 MiB here; each allocation takes just under half.
	var allocs []*Allocation
	for i := 0; i < 5; i++ {
		alloc, err := a.Allocate("chunk", TilingLinear, requirements(400<<10, 4096), deviceLocal, 0)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	assert.Equal(t, 3, a.Stats().Blocks)

	for _, alloc := range allocs {
		require.NoError(t, a.Free(alloc))
	}
	assert.Zero(t, device.Live("memory"))
}

func TestLinearAndOptimalUseSeparateBlocks(t *testing.T) {
	device, props, rec := newTestDevice(t, 256<<20)
	a := New(device, props, CreateOptions{})

	buf, err := a.Allocate("buffer", TilingLinear, requirements(1000, 256), deviceLocal, 0)
	require.NoError(t, err)
	img, err := a.Allocate("image", TilingOptimal, requirements(1000, 256), deviceLocal, 0)
	require.NoError(t, err)
	buf2, err := a.Allocate("buffer 2", TilingLinear, requirements(1000, 256), deviceLocal, 0)
	require.NoError(t, err)
	img2, err := a.Allocate("image 2", TilingOptimal, requirements(1000, 256), deviceLocal, 0)
	require.NoError(t, err)

	// Same memory type, but buffers and images never share a block.
	assert.NotEqual(t, buf.Memory(), img.Memory())
	assert.Equal(t, buf.Memory(), buf2.Memory())
	assert.Equal(t, img.Memory(), img2.Memory())
	assert.Equal(t, 0, img.Offset())
	assert.Equal(t, 1024, img2.Offset())
	assert.Equal(t, 2, a.Stats().Blocks)

	for _, alloc := range []*Allocation{buf, img, buf2, img2} {
		require.NoError(t, a.Free(alloc))
	}
	assert.Zero(t, device.Live("memory"))
	assert.Empty(t, rec.Violations())
}

func TestLargeHeapUsesPreferredBlockSize(t *testing.T) {
	device, props, _ := newTestDevice(t, 8<<30)
	a := New(device, props, CreateOptions{PreferredLargeHeapBlockSize: 64 << 20})

	alloc, err := a.Allocate("small", TilingLinear, requirements(4096, 4096), deviceLocal, 0)
	require.NoError(t, err)
	assert.Equal(t, 64<<20, a.Stats().ReservedBytes)
	require.NoError(t, a.Free(alloc))
}

func TestDedicatedAllocation(t *testing.T) {
	device, props, _ := newTestDevice(t, 256<<20)
	a := New(device, props, CreateOptions{})

	alloc, err := a.Allocate("big", TilingLinear, requirements(20<<20, 4096), deviceLocal, 0)
	require.NoError(t, err)
	assert.True(t, alloc.Dedicated())
	assert.Equal(t, 0, alloc.Offset())

	stats := a.Stats()
	assert.Equal(t, 1, stats.Dedicated)
	assert.Zero(t, stats.Blocks)

	require.NoError(t, a.Free(alloc))
	assert.Zero(t, device.Live("memory"))
	assert.Error(t, a.Free(alloc), "double free must be reported")
}

func TestMapSharesBlockMapping(t *testing.T) {
	device, props, rec := newTestDevice(t, 256<<20)
	a := New(device, props, CreateOptions{})

	first, err := a.Allocate("first", TilingLinear, requirements(64, 256), hostVisible, 0)
	require.NoError(t, err)
	second, err := a.Allocate("second", TilingLinear, requirements(64, 256), hostVisible, 0)
	require.NoError(t, err)

	p1, err := first.Map()
	require.NoError(t, err)
	p2, err := second.Map()
	require.NoError(t, err)
	assert.Equal(t, uintptr(256), uintptr(p2)-uintptr(p1))

	again, err := first.Map()
	require.NoError(t, err)
	assert.Equal(t, p1, again)

	// The block stays mapped while second is mapped.
	first.Unmap()
	copy(unsafe.Slice((*byte)(p2), 3), []byte{1, 2, 3})
	remapped, err := second.Map()
	require.NoError(t, err)
	assert.Equal(t, p2, remapped)
	assert.Equal(t, []byte{1, 2, 3}, unsafe.Slice((*byte)(remapped), 3))
	second.Unmap()

	require.NoError(t, a.Free(first))
	require.NoError(t, a.Free(second))
	assert.Empty(t, rec.Violations())
}

func TestMapDeviceLocalFails(t *testing.T) {
	device, props, _ := newTestDevice(t, 256<<20)
	a := New(device, props, CreateOptions{})

	alloc, err := a.Allocate("gpu only", TilingLinear, requirements(64, 256), deviceLocal, 0)
	require.NoError(t, err)
	_, err = alloc.Map()
	assert.Error(t, err)
	require.NoError(t, a.Free(alloc))
}

func TestDestroyReportsLeaks(t *testing.T) {
	device, props, rec := newTestDevice(t, 256<<20)
	a := New(device, props, CreateOptions{})

	_, err := a.Allocate("leaked", TilingLinear, requirements(64, 256), hostVisible, 0)
	require.NoError(t, err)
	mapped, err := a.Allocate("mapped", TilingLinear, requirements(20<<20, 4096), hostVisible, 0)
	require.NoError(t, err)
	_, err = mapped.Map()
	require.NoError(t, err)

	err = a.Destroy()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLeaked))
	assert.Zero(t, device.Live("memory"))
	assert.Empty(t, rec.Violations())

	require.NoError(t, a.Destroy(), "second destroy has nothing left")
}

func TestAllocateErrors(t *testing.T) {
	device, props, _ := newTestDevice(t, 256<<20)
	a := New(device, props, CreateOptions{})

	_, err := a.Allocate("empty", TilingLinear, requirements(0, 1), 0, 0)
	assert.Error(t, err)

	device.AllocateErr = errors.New("out of device memory")
	_, err = a.Allocate("fails", TilingLinear, requirements(64, 1), deviceLocal, 0)
	assert.ErrorContains(t, err, "out of device memory")
	assert.Zero(t, a.Stats().Blocks)
}
