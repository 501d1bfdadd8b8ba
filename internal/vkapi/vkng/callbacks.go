package vkng

import (
	"unsafe"

	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/loader"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

var scopes = map[common.SystemAllocationScope]vkapi.AllocationScope{
	common.SystemAllocationScopeCommand:  vkapi.ScopeCommand,
	common.SystemAllocationScopeObject:   vkapi.ScopeObject,
	common.SystemAllocationScopeCache:    vkapi.ScopeCache,
	common.SystemAllocationScopeDevice:   vkapi.ScopeDevice,
	common.SystemAllocationScopeInstance: vkapi.ScopeInstance,
}

func allocationScope(scope common.SystemAllocationScope) vkapi.AllocationScope {
	if s, ok := scopes[scope]; ok {
		return s
	}
	return vkapi.ScopeObject
}

// createCallbacks routes driver host allocations to a. A nil allocator
// yields nil callbacks, which selects the driver's own allocator.
func createCallbacks(a vkapi.HostAllocator) *loader.AllocationCallbacks {
	if a == nil {
		return nil
	}
	return loader.CreateAllocationCallbacks(&common.AllocationCallbackOptions{
		Allocation: func(_ any, size int, alignment int, scope common.SystemAllocationScope) unsafe.Pointer {
			return a.Alloc(size, alignment, allocationScope(scope))
		},
		Reallocation: func(_ any, original unsafe.Pointer, size int, alignment int, scope common.SystemAllocationScope) unsafe.Pointer {
			return a.Realloc(original, size, alignment, allocationScope(scope))
		},
		Free: func(_ any, memory unsafe.Pointer) {
			a.Free(memory)
		},
	})
}
