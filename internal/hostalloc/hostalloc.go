// Package hostalloc is the host allocator handed to the Vulkan driver
// through its allocation callbacks. Requests that fit a block are carved
// out of fixed block chunks; larger ones go to the C heap. Every live
// allocation is tracked with its scope so leaks can be reported when the
// renderer shuts down.
package hostalloc

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/CannibalVox/cgoalloc"
	"github.com/cockroachdb/errors"
	gu "github.com/docker/go-units"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

const (
	DefaultChunkSize = 1024 * 1024
	DefaultBlockSize = 256

	// blockAlignment is the alignment of fixed blocks. Larger alignments
	// are served by over-allocating.
	blockAlignment = 8
)

// ErrLeaked is returned by Close when allocations are still live.
var ErrLeaked = errors.New("hostalloc: allocations leaked")

type Stats struct {
	Allocations   uint64
	Reallocations uint64
	Frees         uint64
	// Failed counts requests that could not be served.
	Failed uint64
	// Invalid counts frees of pointers the allocator does not own.
	Invalid   uint64
	LiveBytes int64
	PeakBytes int64
	// LiveByScope is indexed by vkapi.AllocationScope.
	LiveByScope [5]int64
}

type Options struct {
	// ChunkSize is the size of each chunk carved into blocks.
	ChunkSize int
	// BlockSize is both the block size and the threshold above which
	// requests go to the C heap.
	BlockSize int
	Logger    *slog.Logger
}

type record struct {
	base  unsafe.Pointer
	size  int
	scope vkapi.AllocationScope
	block bool
}

// Allocator is safe for concurrent use; drivers may allocate from any
// thread.
type Allocator struct {
	mu        sync.Mutex
	blockSize int
	logger    *slog.Logger

	heap   cgoalloc.Allocator
	blocks cgoalloc.Allocator
	live   map[uintptr]record
	stats  Stats
	closed bool
}

var _ vkapi.HostAllocator = (*Allocator)(nil)

func New(opts Options) (*Allocator, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize < opts.BlockSize {
		opts.ChunkSize = opts.BlockSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	heap := &cgoalloc.DefaultAllocator{}
	blocks, err := cgoalloc.CreateFixedBlockAllocator(heap, opts.ChunkSize, opts.BlockSize, blockAlignment)
	if err != nil {
		return nil, errors.Wrapf(err, "hostalloc: creating %s block allocator", gu.BytesSize(float64(opts.BlockSize)))
	}
	return &Allocator{
		blockSize: opts.BlockSize,
		logger:    opts.Logger,
		heap:      heap,
		blocks:    blocks,
		live:      make(map[uintptr]record),
	}, nil
}

func validAlignment(alignment int) bool {
	return alignment > 0 && alignment&(alignment-1) == 0
}

// Alloc returns size bytes aligned to alignment, or nil when the request
// cannot be served.
func (a *Allocator) Alloc(size, alignment int, scope vkapi.AllocationScope) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(size, alignment, scope)
}

func (a *Allocator) alloc(size, alignment int, scope vkapi.AllocationScope) unsafe.Pointer {
	if a.closed || size <= 0 || !validAlignment(alignment) {
		a.stats.Failed++
		return nil
	}

	total := size
	if alignment > blockAlignment {
		total += alignment - 1
	}
	block := total <= a.blockSize
	var base unsafe.Pointer
	if block {
		base = a.blocks.Malloc(total)
	} else {
		base = a.heap.Malloc(total)
	}
	if base == nil {
		a.stats.Failed++
		return nil
	}

	addr := (uintptr(base) + uintptr(alignment-1)) &^ uintptr(alignment-1)
	ptr := unsafe.Add(base, addr-uintptr(base))
	a.live[addr] = record{base: base, size: size, scope: scope, block: block}
	a.stats.Allocations++
	a.stats.LiveBytes += int64(size)
	a.stats.PeakBytes = max(a.stats.PeakBytes, a.stats.LiveBytes)
	if scope >= 0 && int(scope) < len(a.stats.LiveByScope) {
		a.stats.LiveByScope[scope] += int64(size)
	}
	return ptr
}

// Realloc follows PFN_vkReallocationFunction: a nil original allocates, a
// zero size frees, and on failure the original is left untouched.
func (a *Allocator) Realloc(original unsafe.Pointer, size, alignment int, scope vkapi.AllocationScope) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()

	if original == nil {
		return a.alloc(size, alignment, scope)
	}
	if size == 0 {
		a.free(original)
		return nil
	}
	old, ok := a.live[uintptr(original)]
	if !ok {
		a.stats.Invalid++
		a.logger.Error("host reallocation of unknown pointer", "ptr", uintptr(original))
		return nil
	}

	ptr := a.alloc(size, alignment, scope)
	if ptr == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(ptr), size), unsafe.Slice((*byte)(original), min(size, old.size)))
	a.free(original)
	a.stats.Reallocations++
	return ptr
}

// Free releases memory returned by Alloc or Realloc. Freeing nil does
// nothing; freeing anything else the allocator does not own is counted
// and logged.
func (a *Allocator) Free(memory unsafe.Pointer) {
	if memory == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free(memory)
}

func (a *Allocator) free(memory unsafe.Pointer) {
	addr := uintptr(memory)
	rec, ok := a.live[addr]
	if !ok {
		a.stats.Invalid++
		a.logger.Error("host free of unknown pointer", "ptr", addr)
		return
	}
	delete(a.live, addr)
	if rec.block {
		a.blocks.Free(rec.base)
	} else {
		a.heap.Free(rec.base)
	}
	a.stats.Frees++
	a.stats.LiveBytes -= int64(rec.size)
	if rec.scope >= 0 && int(rec.scope) < len(a.stats.LiveByScope) {
		a.stats.LiveByScope[rec.scope] -= int64(rec.size)
	}
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close reports leaked allocations and releases the block chunks. Leaked
// memory is left to the process, since the driver may still reference it.
// The allocator fails every request afterwards.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if n := len(a.live); n > 0 {
		var byScope [5]int
		for _, rec := range a.live {
			if rec.scope >= 0 && int(rec.scope) < len(byScope) {
				byScope[rec.scope]++
			}
		}
		a.logger.Warn("host allocations leaked",
			"count", n,
			"bytes", gu.BytesSize(float64(a.stats.LiveBytes)),
			"instance", byScope[vkapi.ScopeInstance],
			"device", byScope[vkapi.ScopeDevice],
			"object", byScope[vkapi.ScopeObject])
		return errors.Wrapf(ErrLeaked, "%d allocations, %d bytes", n, a.stats.LiveBytes)
	}

	if err := a.blocks.Destroy(); err != nil {
		return errors.Wrap(err, "hostalloc: destroying block allocator")
	}
	return errors.Wrap(a.heap.Destroy(), "hostalloc: destroying heap allocator")
}
