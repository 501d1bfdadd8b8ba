package vkapitest

import (
	"unsafe"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// Simulated driver-side bookkeeping sizes.
const (
	instanceHostBytes = 512
	deviceHostBytes   = 256
	hostAlignment     = 16
)

// hostMemory stands in for the host memory a driver allocates through the
// application's callbacks while an instance or device is alive.
type hostMemory struct {
	alloc vkapi.HostAllocator
	rec   *Recorder
	ptrs  []unsafe.Pointer
}

func (h *hostMemory) take(size int, scope vkapi.AllocationScope) {
	if h.alloc == nil {
		return
	}
	p := h.alloc.Alloc(size, hostAlignment, scope)
	if p == nil {
		h.rec.violate("host allocation of %d bytes in %s scope failed", size, scope)
		return
	}
	unsafe.Slice((*byte)(p), size)[size-1] = 0xaa
	h.ptrs = append(h.ptrs, p)
}

// grow reallocates the newest allocation, as drivers do when internal
// tables fill up.
func (h *hostMemory) grow(size int, scope vkapi.AllocationScope) {
	if h.alloc == nil || len(h.ptrs) == 0 {
		return
	}
	last := len(h.ptrs) - 1
	p := h.alloc.Realloc(h.ptrs[last], size, hostAlignment, scope)
	if p == nil {
		h.rec.violate("host reallocation to %d bytes in %s scope failed", size, scope)
		return
	}
	h.ptrs[last] = p
}

func (h *hostMemory) release() {
	if h.alloc == nil {
		return
	}
	for i := len(h.ptrs) - 1; i >= 0; i-- {
		h.alloc.Free(h.ptrs[i])
	}
	h.ptrs = nil
}
