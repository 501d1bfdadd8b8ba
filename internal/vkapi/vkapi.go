// Package vkapi is the boundary between the renderer and the Vulkan
// bindings. Everything above this package speaks in terms of the handle
// types, snapshots and interfaces declared here; only the vkng adapter
// talks to the driver objects of vkngwrapper.
//
// Enumerations are borrowed from core1_0 and khr_surface so that callers
// do not need a second vocabulary for formats, usages and layouts.
package vkapi

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
)

// ValidationLayer is the standard Khronos validation layer.
const ValidationLayer = "VK_LAYER_KHRONOS_validation"

var (
	// ErrOutOfDate is returned by AcquireNextImage and QueuePresent when the
	// swapchain no longer matches its surface.
	ErrOutOfDate = errors.New("vkapi: swapchain out of date")
	// ErrSuboptimal is returned by QueuePresent when presentation succeeded
	// but the swapchain should be rebuilt.
	ErrSuboptimal = errors.New("vkapi: swapchain suboptimal")
	// ErrLayerNotPresent is returned by CreateInstance when a requested layer
	// is not installed.
	ErrLayerNotPresent = errors.New("vkapi: layer not present")
	// ErrExtensionNotPresent is returned by CreateInstance or CreateDevice
	// when a requested extension is missing.
	ErrExtensionNotPresent = errors.New("vkapi: extension not present")
	// ErrDeviceLost means the logical device is unusable.
	ErrDeviceLost = errors.New("vkapi: device lost")
)

// Handle is an opaque object identity. The zero Handle is never valid.
type Handle uint64

// Initialized reports whether h refers to a live object.
func (h Handle) Initialized() bool { return h != 0 }

type (
	PhysicalDevice      struct{ Handle }
	Surface             struct{ Handle }
	Queue               struct{ Handle }
	CommandPool         struct{ Handle }
	CommandBuffer       struct{ Handle }
	Fence               struct{ Handle }
	Semaphore           struct{ Handle }
	DeviceMemory        struct{ Handle }
	Buffer              struct{ Handle }
	Image               struct{ Handle }
	ImageView           struct{ Handle }
	Swapchain           struct{ Handle }
	DescriptorSetLayout struct{ Handle }
	DescriptorPool      struct{ Handle }
	DescriptorSet       struct{ Handle }
	ShaderModule        struct{ Handle }
	PipelineLayout      struct{ Handle }
	Pipeline            struct{ Handle }
)

// DeviceType classifies a physical device.
type DeviceType int

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegratedGPU
	DeviceTypeDiscreteGPU
	DeviceTypeVirtualGPU
	DeviceTypeCPU
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeOther:         "Other",
	DeviceTypeIntegratedGPU: "IntegratedGPU",
	DeviceTypeDiscreteGPU:   "DiscreteGPU",
	DeviceTypeVirtualGPU:    "VirtualGPU",
	DeviceTypeCPU:           "CPU",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// DebugSeverity is the severity reported by the validation layers.
type DebugSeverity int

const (
	DebugVerbose DebugSeverity = iota
	DebugInfo
	DebugWarning
	DebugError
)

// DebugCallback receives validation layer messages.
type DebugCallback func(severity DebugSeverity, message string)

// Extent is a two dimensional size in pixels. The bindings report -1 for
// "determined by the swapchain" in surface capabilities.
type Extent struct {
	Width, Height int
}

// Empty reports whether either dimension is zero or negative.
func (e Extent) Empty() bool { return e.Width <= 0 || e.Height <= 0 }

// DeviceProperties is a snapshot of the identity and limits of a physical
// device.
type DeviceProperties struct {
	Name        string
	Type        DeviceType
	VendorID    uint32
	DeviceID    uint32
	MaxViewport [2]int
}

type MemoryType struct {
	Flags core1_0.MemoryPropertyFlags
	Heap  int
}

type MemoryHeap struct {
	Size        int
	DeviceLocal bool
}

// MemoryProperties lists the memory types and heaps of a physical device.
type MemoryProperties struct {
	Types []MemoryType
	Heaps []MemoryHeap
}

// QueueFamily describes one queue family of a physical device.
type QueueFamily struct {
	Flags core1_0.QueueFlags
	Count int
}

// SurfaceCapabilities is the subset of surface capabilities the renderer
// needs. A MaxImageCount of zero means there is no upper bound.
type SurfaceCapabilities struct {
	MinImageCount int
	MaxImageCount int
	CurrentExtent Extent
	MinExtent     Extent
	MaxExtent     Extent
}

// FormatFeatures reports format support per tiling mode.
type FormatFeatures struct {
	Linear  core1_0.FormatFeatureFlags
	Optimal core1_0.FormatFeatureFlags
}

// Supports reports whether features are all supported under tiling.
func (f FormatFeatures) Supports(tiling core1_0.ImageTiling, features core1_0.FormatFeatureFlags) bool {
	switch tiling {
	case core1_0.ImageTilingLinear:
		return f.Linear&features == features
	case core1_0.ImageTilingOptimal:
		return f.Optimal&features == features
	}
	return false
}

// MemoryRequirements is what a buffer or image needs from its backing
// memory.
type MemoryRequirements struct {
	Size      int
	Alignment int
	TypeBits  uint32
}

// Subrange selects mip levels and array layers of an image.
type Subrange struct {
	Aspect    core1_0.ImageAspectFlags
	BaseMip   int
	Levels    int
	BaseLayer int
	Layers    int
}

// ColorSubrange is the single mip, single layer color subrange.
var ColorSubrange = Subrange{Aspect: core1_0.ImageAspectColor, Levels: 1, Layers: 1}

type InstanceInfo struct {
	ApplicationName string
	EngineName      string
	Extensions      []string
	Layers          []string
	// Debug installs a debug messenger when non-nil. The debug utils
	// extension must be listed in Extensions.
	Debug DebugCallback
	// Allocator receives the host allocations the driver makes for the
	// instance, its devices and their objects. The driver's own allocator
	// is used when nil.
	Allocator HostAllocator
}

// AllocationScope is the lifetime the driver declares for a host
// allocation, in VkSystemAllocationScope order.
type AllocationScope int

const (
	ScopeCommand AllocationScope = iota
	ScopeObject
	ScopeCache
	ScopeDevice
	ScopeInstance
)

var scopeNames = [...]string{"command", "object", "cache", "device", "instance"}

func (s AllocationScope) String() string {
	if s < 0 || int(s) >= len(scopeNames) {
		return "unknown"
	}
	return scopeNames[s]
}

// HostAllocator serves the host memory the driver allocates through
// VkAllocationCallbacks. Alignment is always a power of two. A nil return
// reports the allocation as failed.
type HostAllocator interface {
	Alloc(size, alignment int, scope AllocationScope) unsafe.Pointer
	Realloc(original unsafe.Pointer, size, alignment int, scope AllocationScope) unsafe.Pointer
	Free(memory unsafe.Pointer)
}

type DeviceInfo struct {
	QueueFamilies []int
	Extensions    []string
}

type CommandPoolInfo struct {
	Family int
	// Resettable allows individual command buffers to be reset.
	Resettable bool
	// Transient hints that buffers are short-lived.
	Transient bool
}

type ImageInfo struct {
	Format core1_0.Format
	Extent Extent
	Levels int
	Usage  core1_0.ImageUsageFlags
	Tiling core1_0.ImageTiling
}

type ImageViewInfo struct {
	Image    Image
	Format   core1_0.Format
	Subrange Subrange
}

type SwapchainInfo struct {
	Surface       Surface
	MinImageCount int
	Format        khr_surface.SurfaceFormat
	Extent        Extent
	Usage         core1_0.ImageUsageFlags
	PresentMode   khr_surface.PresentMode
	// QueueFamilies selects concurrent sharing when it lists more than one
	// family. Exclusive sharing is used otherwise.
	QueueFamilies []int
}

type ImageBarrier struct {
	Image     Image
	Subrange  Subrange
	OldLayout core1_0.ImageLayout
	NewLayout core1_0.ImageLayout
	SrcStage  core1_0.PipelineStageFlags
	DstStage  core1_0.PipelineStageFlags
	SrcAccess core1_0.AccessFlags
	DstAccess core1_0.AccessFlags
}

// RenderingInfo begins rendering into a color view and an optional depth
// view. Both attachments are cleared on load.
type RenderingInfo struct {
	ColorView    ImageView
	ColorFormat  core1_0.Format
	DepthView    ImageView
	DepthFormat  core1_0.Format
	Extent       Extent
	ClearColor   [4]float32
	ClearDepth   float32
	ClearStencil uint32
}

type Submission struct {
	Wait      Semaphore
	WaitStage core1_0.PipelineStageFlags
	Buffers   []CommandBuffer
	Signal    Semaphore
}

type DescriptorBinding struct {
	Binding int
	Type    core1_0.DescriptorType
	Count   int
	Stages  core1_0.ShaderStageFlags
}

type DescriptorPoolSize struct {
	Type  core1_0.DescriptorType
	Count int
}

type DescriptorPoolInfo struct {
	MaxSets int
	Sizes   []DescriptorPoolSize
	// FreeIndividual allows sets to be returned to the pool one at a time.
	FreeIndividual bool
}

type VertexAttribute struct {
	Location int
	Format   core1_0.Format
	Offset   int
}

// GraphicsPipelineInfo describes a pipeline rendering into attachments of
// the given formats. Viewport and scissor cover Extent.
type GraphicsPipelineInfo struct {
	Vertex       ShaderModule
	Fragment     ShaderModule
	Layout       PipelineLayout
	ColorFormat  core1_0.Format
	DepthFormat  core1_0.Format
	Extent       Extent
	VertexStride int
	Attributes   []VertexAttribute
}

// SurfaceSource creates a presentation surface for an instance. Window
// implementations type-assert the instance to the binding they know.
type SurfaceSource interface {
	CreateSurface(instance Instance) (Surface, error)
}

// Loader is the entry point into a Vulkan implementation.
type Loader interface {
	AvailableExtensions() (map[string]struct{}, error)
	AvailableLayers() (map[string]struct{}, error)
	CreateInstance(info InstanceInfo) (Instance, error)
}

// Instance is a live Vulkan instance together with its surface and debug
// extensions.
type Instance interface {
	PhysicalDevices() ([]PhysicalDevice, error)
	Properties(pd PhysicalDevice) (DeviceProperties, error)
	MemoryProperties(pd PhysicalDevice) MemoryProperties
	QueueFamilies(pd PhysicalDevice) []QueueFamily
	DeviceExtensions(pd PhysicalDevice) (map[string]struct{}, error)
	FormatFeatures(pd PhysicalDevice, format core1_0.Format) FormatFeatures

	SurfaceSupport(pd PhysicalDevice, surface Surface, family int) (bool, error)
	SurfaceCapabilities(pd PhysicalDevice, surface Surface) (SurfaceCapabilities, error)
	SurfaceFormats(pd PhysicalDevice, surface Surface) ([]khr_surface.SurfaceFormat, error)
	PresentModes(pd PhysicalDevice, surface Surface) ([]khr_surface.PresentMode, error)
	DestroySurface(surface Surface)

	CreateDevice(pd PhysicalDevice, info DeviceInfo) (Device, error)

	// Destroy destroys the debug messenger, if any, and the instance.
	Destroy()
}

// Device is a logical device. Command recording methods take the command
// buffer they record into.
type Device interface {
	Queue(family int) Queue
	WaitIdle() error
	QueueWaitIdle(queue Queue) error
	Submit(queue Queue, fence Fence, submission Submission) error

	CreateCommandPool(info CommandPoolInfo) (CommandPool, error)
	DestroyCommandPool(pool CommandPool)
	AllocateCommandBuffers(pool CommandPool, count int) ([]CommandBuffer, error)
	FreeCommandBuffers(pool CommandPool, buffers ...CommandBuffer)
	ResetCommandBuffer(buffer CommandBuffer) error
	BeginCommandBuffer(buffer CommandBuffer, oneTime bool) error
	EndCommandBuffer(buffer CommandBuffer) error

	CreateFence(signaled bool) (Fence, error)
	DestroyFence(fence Fence)
	// WaitForFence blocks without a timeout until fence is signaled.
	WaitForFence(fence Fence) error
	ResetFence(fence Fence) error
	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(semaphore Semaphore)

	AllocateMemory(size int, typeIndex int) (DeviceMemory, error)
	FreeMemory(memory DeviceMemory)
	MapMemory(memory DeviceMemory, offset, size int) (unsafe.Pointer, error)
	UnmapMemory(memory DeviceMemory)

	CreateBuffer(size int, usage core1_0.BufferUsageFlags) (Buffer, error)
	BufferRequirements(buffer Buffer) MemoryRequirements
	BindBufferMemory(buffer Buffer, memory DeviceMemory, offset int) error
	DestroyBuffer(buffer Buffer)

	CreateImage(info ImageInfo) (Image, error)
	ImageRequirements(image Image) MemoryRequirements
	BindImageMemory(image Image, memory DeviceMemory, offset int) error
	DestroyImage(image Image)
	CreateImageView(info ImageViewInfo) (ImageView, error)
	DestroyImageView(view ImageView)

	CreateSwapchain(info SwapchainInfo) (Swapchain, error)
	SwapchainImages(swapchain Swapchain) ([]Image, error)
	DestroySwapchain(swapchain Swapchain)
	// AcquireNextImage waits without a timeout for the next presentable
	// image. It returns ErrOutOfDate when the swapchain must be rebuilt
	// before use and reports suboptimal when the image is usable but the
	// swapchain should be rebuilt soon.
	AcquireNextImage(swapchain Swapchain, signal Semaphore) (index int, suboptimal bool, err error)
	// QueuePresent returns ErrOutOfDate or ErrSuboptimal when the swapchain
	// should be rebuilt.
	QueuePresent(queue Queue, swapchain Swapchain, index int, wait Semaphore) error

	CreateDescriptorSetLayout(bindings []DescriptorBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(layout DescriptorSetLayout)
	CreateDescriptorPool(info DescriptorPoolInfo) (DescriptorPool, error)
	DestroyDescriptorPool(pool DescriptorPool)
	AllocateDescriptorSets(pool DescriptorPool, layout DescriptorSetLayout, count int) ([]DescriptorSet, error)
	WriteUniformBuffer(set DescriptorSet, binding int, buffer Buffer, offset, size int) error

	CreateShaderModule(code []uint32) (ShaderModule, error)
	DestroyShaderModule(module ShaderModule)
	CreatePipelineLayout(layouts ...DescriptorSetLayout) (PipelineLayout, error)
	DestroyPipelineLayout(layout PipelineLayout)
	CreateGraphicsPipeline(info GraphicsPipelineInfo) (Pipeline, error)
	DestroyPipeline(pipeline Pipeline)

	CmdPipelineBarrier(buffer CommandBuffer, barrier ImageBarrier) error
	CmdBeginRendering(buffer CommandBuffer, info RenderingInfo) error
	CmdEndRendering(buffer CommandBuffer)
	CmdBindPipeline(buffer CommandBuffer, pipeline Pipeline)
	CmdBindDescriptorSet(buffer CommandBuffer, layout PipelineLayout, set DescriptorSet)
	CmdBindVertexBuffer(buffer CommandBuffer, vertices Buffer)
	CmdBindIndexBuffer(buffer CommandBuffer, indices Buffer)
	CmdDrawIndexed(buffer CommandBuffer, indexCount int)
	CmdCopyBuffer(buffer CommandBuffer, src, dst Buffer, size int) error
	CmdCopyBufferToImage(buffer CommandBuffer, src Buffer, dst Image, extent Extent) error

	// Destroy destroys the logical device. Every child object must have
	// been destroyed first.
	Destroy()
}
