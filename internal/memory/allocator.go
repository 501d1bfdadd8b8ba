// Package memory suballocates device memory. Small requests share large
// blocks per memory type; large requests get a dedicated allocation.
package memory

import (
	"log/slog"
	"math"
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	gu "github.com/docker/go-units"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

const (
	// DefaultLargeHeapBlockSize is used as the block size for heaps larger
	// than 1 GiB when CreateOptions does not set one.
	DefaultLargeHeapBlockSize = 256 * 1024 * 1024

	smallHeapMaxSize = 1024 * 1024 * 1024
)

var (
	// ErrNoMemoryType means no memory type satisfies the required flags.
	ErrNoMemoryType = errors.New("memory: no suitable memory type")
	// ErrLeaked is returned by Destroy when allocations are still live.
	ErrLeaked = errors.New("memory: allocations leaked")
)

// Tiling tells linear resources (buffers) apart from optimally tiled
// images. The two never share a block, so bufferImageGranularity does not
// constrain placement.
type Tiling int

const (
	TilingLinear Tiling = iota
	TilingOptimal
)

func (t Tiling) String() string {
	if t == TilingOptimal {
		return "optimal"
	}
	return "linear"
}

type CreateOptions struct {
	// PreferredLargeHeapBlockSize is the block size for heaps larger than
	// 1 GiB. Smaller heaps use an eighth of the heap.
	PreferredLargeHeapBlockSize int
	Logger                      *slog.Logger
}

type Stats struct {
	Blocks      int
	Dedicated   int
	Allocations int
	// UsedBytes is the sum of live allocation sizes.
	UsedBytes int
	// ReservedBytes is the device memory held by blocks and dedicated
	// allocations.
	ReservedBytes int
}

// Allocator is safe for concurrent use. Blocks are only mapped while at
// least one of their allocations is mapped.
type Allocator struct {
	mu sync.Mutex

	device    vkapi.Device
	props     vkapi.MemoryProperties
	blockSize int
	logger    *slog.Logger

	blocks    map[int][]*block
	dedicated map[*Allocation]struct{}
	live      map[*Allocation]struct{}
}

func New(device vkapi.Device, props vkapi.MemoryProperties, options CreateOptions) *Allocator {
	if options.PreferredLargeHeapBlockSize <= 0 {
		options.PreferredLargeHeapBlockSize = DefaultLargeHeapBlockSize
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	return &Allocator{
		device:    device,
		props:     props,
		blockSize: options.PreferredLargeHeapBlockSize,
		logger:    options.Logger,
		blocks:    make(map[int][]*block),
		dedicated: make(map[*Allocation]struct{}),
		live:      make(map[*Allocation]struct{}),
	}
}

func alignUp(v, align int) int {
	if align <= 1 {
		return v
	}
	if m := v % align; m != 0 {
		return v - m + align
	}
	return v
}

// FindMemoryType returns the memory type allowed by typeBits that has all
// required flags and misses the fewest preferred flags.
func (a *Allocator) FindMemoryType(typeBits uint32, required, preferred core1_0.MemoryPropertyFlags) (int, error) {
	best := -1
	minCost := math.MaxInt
	for index, memType := range a.props.Types {
		if typeBits&(1<<index) == 0 {
			continue
		}
		if memType.Flags&required != required {
			continue
		}
		cost := bits.OnesCount32(uint32(preferred &^ memType.Flags))
		if cost == 0 {
			return index, nil
		}
		if cost < minCost {
			best, minCost = index, cost
		}
	}
	if best < 0 {
		return -1, errors.Wrapf(ErrNoMemoryType, "type bits %#b, required %v", typeBits, required)
	}
	return best, nil
}

func (a *Allocator) preferredBlockSize(typeIndex int) int {
	heap := a.props.Heaps[a.props.Types[typeIndex].Heap]
	size := a.blockSize
	if heap.Size <= smallHeapMaxSize {
		size = heap.Size / 8
	}
	return alignUp(size, 32)
}

// HostVisible reports whether the memory type can be mapped.
func (a *Allocator) HostVisible(typeIndex int) bool {
	return a.props.Types[typeIndex].Flags&core1_0.MemoryPropertyHostVisible != 0
}

// Allocate reserves memory satisfying req for a resource with the given
// tiling. name identifies the allocation in leak reports.
func (a *Allocator) Allocate(name string, tiling Tiling, req vkapi.MemoryRequirements, required, preferred core1_0.MemoryPropertyFlags) (*Allocation, error) {
	if req.Size <= 0 {
		return nil, errors.AssertionFailedf("memory: allocation %q of %d bytes", name, req.Size)
	}
	typeIndex, err := a.FindMemoryType(req.TypeBits, required, preferred)
	if err != nil {
		return nil, errors.Wrapf(err, "allocation %q", name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	blockSize := a.preferredBlockSize(typeIndex)
	if req.Size > blockSize/2 {
		return a.allocateDedicated(name, req, typeIndex)
	}

	for _, b := range a.blocks[typeIndex] {
		if b.tiling != tiling {
			continue
		}
		if offset, ok := b.fit(req.Size, req.Alignment); ok {
			return a.place(name, b, offset, req.Size), nil
		}
	}

	mem, err := a.device.AllocateMemory(blockSize, typeIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %s block for %q", gu.BytesSize(float64(blockSize)), name)
	}
	b := &block{memory: mem, typeIndex: typeIndex, tiling: tiling, size: blockSize}
	a.blocks[typeIndex] = append(a.blocks[typeIndex], b)
	a.logger.Debug("memory block allocated",
		"type", typeIndex,
		"tiling", tiling.String(),
		"size", gu.BytesSize(float64(blockSize)))

	offset, _ := b.fit(req.Size, req.Alignment)
	return a.place(name, b, offset, req.Size), nil
}

func (a *Allocator) place(name string, b *block, offset, size int) *Allocation {
	alloc := &Allocation{
		allocator: a,
		name:      name,
		block:     b,
		memory:    b.memory,
		typeIndex: b.typeIndex,
		offset:    offset,
		size:      size,
	}
	b.insert(alloc)
	a.live[alloc] = struct{}{}
	return alloc
}

func (a *Allocator) allocateDedicated(name string, req vkapi.MemoryRequirements, typeIndex int) (*Allocation, error) {
	mem, err := a.device.AllocateMemory(req.Size, typeIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating dedicated %s for %q", gu.BytesSize(float64(req.Size)), name)
	}
	alloc := &Allocation{
		allocator: a,
		name:      name,
		memory:    mem,
		typeIndex: typeIndex,
		size:      req.Size,
	}
	a.dedicated[alloc] = struct{}{}
	a.live[alloc] = struct{}{}
	a.logger.Debug("dedicated allocation", "name", name, "size", gu.BytesSize(float64(req.Size)))
	return alloc, nil
}

// Free releases alloc. Empty blocks are returned to the device.
func (a *Allocator) Free(alloc *Allocation) error {
	if alloc == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[alloc]; !ok {
		return errors.AssertionFailedf("memory: free of unknown allocation %q", alloc.name)
	}
	delete(a.live, alloc)
	if alloc.mapped {
		a.unmapLocked(alloc)
	}

	if alloc.block == nil {
		delete(a.dedicated, alloc)
		a.device.FreeMemory(alloc.memory)
		return nil
	}

	b := alloc.block
	b.remove(alloc)
	if len(b.allocations) == 0 {
		a.releaseBlock(b)
	}
	return nil
}

func (a *Allocator) releaseBlock(b *block) {
	list := a.blocks[b.typeIndex]
	for i, other := range list {
		if other == b {
			a.blocks[b.typeIndex] = append(list[:i], list[i+1:]...)
			break
		}
	}
	a.freeBlock(b)
}

func (a *Allocator) freeBlock(b *block) {
	if b.mapCount > 0 {
		a.device.UnmapMemory(b.memory)
		b.mapCount = 0
		b.mapped = nil
	}
	a.device.FreeMemory(b.memory)
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats
	for _, list := range a.blocks {
		for _, b := range list {
			s.Blocks++
			s.ReservedBytes += b.size
		}
	}
	for alloc := range a.dedicated {
		s.Dedicated++
		s.ReservedBytes += alloc.size
	}
	for alloc := range a.live {
		s.Allocations++
		s.UsedBytes += alloc.size
	}
	return s
}

// Destroy logs every live allocation and returns all device memory. It
// returns ErrLeaked when anything was still allocated.
func (a *Allocator) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if len(a.live) > 0 {
		total := 0
		for alloc := range a.live {
			total += alloc.size
			a.logger.Warn("memory leaked",
				"name", alloc.name,
				"size", gu.BytesSize(float64(alloc.size)),
				"dedicated", alloc.block == nil)
		}
		err = errors.Wrapf(ErrLeaked, "%d allocations, %s", len(a.live), gu.BytesSize(float64(total)))
	}

	for alloc := range a.dedicated {
		if alloc.mapped {
			a.device.UnmapMemory(alloc.memory)
		}
		a.device.FreeMemory(alloc.memory)
	}
	for _, list := range a.blocks {
		for _, b := range list {
			b.allocations = nil
			a.freeBlock(b)
		}
	}
	a.blocks = make(map[int][]*block)
	a.dedicated = make(map[*Allocation]struct{})
	a.live = make(map[*Allocation]struct{})
	return err
}
