package memory

import (
	"sort"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// Allocation is a range of device memory handed out by an Allocator.
type Allocation struct {
	allocator *Allocator
	name      string
	block     *block
	memory    vkapi.DeviceMemory
	typeIndex int
	offset    int
	size      int
	mapped    bool
	// base is the mapping of a dedicated allocation.
	base unsafe.Pointer
}

func (a *Allocation) Memory() vkapi.DeviceMemory { return a.memory }
func (a *Allocation) Offset() int                { return a.offset }
func (a *Allocation) Size() int                  { return a.size }
func (a *Allocation) Name() string               { return a.name }
func (a *Allocation) Dedicated() bool            { return a.block == nil }

// Map returns a pointer to the start of the allocation. The backing memory
// must be host visible. Mapping an already mapped allocation returns the
// same pointer.
func (a *Allocation) Map() (unsafe.Pointer, error) {
	al := a.allocator
	al.mu.Lock()
	defer al.mu.Unlock()

	if !al.HostVisible(a.typeIndex) {
		return nil, errors.AssertionFailedf("memory: %q is not host visible", a.name)
	}

	if a.block == nil {
		if !a.mapped {
			ptr, err := al.device.MapMemory(a.memory, 0, a.size)
			if err != nil {
				return nil, errors.Wrapf(err, "mapping %q", a.name)
			}
			a.mapped = true
			a.base = ptr
		}
		return a.base, nil
	}

	b := a.block
	if b.mapCount == 0 {
		ptr, err := al.device.MapMemory(b.memory, 0, b.size)
		if err != nil {
			return nil, errors.Wrapf(err, "mapping block of %q", a.name)
		}
		b.mapped = ptr
	}
	if !a.mapped {
		b.mapCount++
		a.mapped = true
	}
	return unsafe.Add(b.mapped, a.offset), nil
}

// Unmap releases a mapping made by Map. The block stays mapped while other
// allocations in it are mapped.
func (a *Allocation) Unmap() {
	al := a.allocator
	al.mu.Lock()
	defer al.mu.Unlock()
	if a.mapped {
		al.unmapLocked(a)
	}
}

func (al *Allocator) unmapLocked(a *Allocation) {
	a.mapped = false
	if a.block == nil {
		al.device.UnmapMemory(a.memory)
		a.base = nil
		return
	}
	b := a.block
	b.mapCount--
	if b.mapCount == 0 {
		al.device.UnmapMemory(b.memory)
		b.mapped = nil
	}
}

// block is one device memory allocation shared by several Allocations,
// kept sorted by offset.
type block struct {
	memory      vkapi.DeviceMemory
	typeIndex   int
	tiling      Tiling
	size        int
	allocations []*Allocation
	mapped      unsafe.Pointer
	mapCount    int
}

// fit finds the first gap that holds size bytes at the given alignment.
func (b *block) fit(size, alignment int) (int, bool) {
	cursor := 0
	for _, alloc := range b.allocations {
		offset := alignUp(cursor, alignment)
		if offset+size <= alloc.offset {
			return offset, true
		}
		cursor = alloc.offset + alloc.size
	}
	offset := alignUp(cursor, alignment)
	if offset+size <= b.size {
		return offset, true
	}
	return 0, false
}

func (b *block) insert(alloc *Allocation) {
	i := sort.Search(len(b.allocations), func(i int) bool {
		return b.allocations[i].offset > alloc.offset
	})
	b.allocations = append(b.allocations, nil)
	copy(b.allocations[i+1:], b.allocations[i:])
	b.allocations[i] = alloc
}

func (b *block) remove(alloc *Allocation) {
	for i, other := range b.allocations {
		if other == alloc {
			b.allocations = append(b.allocations[:i], b.allocations[i+1:]...)
			return
		}
	}
}
