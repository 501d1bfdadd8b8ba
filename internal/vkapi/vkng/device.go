package vkng

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/core/v3/loader"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// Device adapts a vkngwrapper device driver.
//
// Begin/end rendering is provided on top of render passes: one render pass
// per attachment format pair and one framebuffer per attachment view pair.
// Framebuffers are dropped together with the views they reference.
type Device struct {
	instance *Instance
	physical core1_0.PhysicalDevice
	driver   core1_0.CoreDeviceDriver
	swapExt  khr_swapchain.ExtensionDriver
	alloc    *loader.AllocationCallbacks

	queues         table[core1_0.Queue]
	pools          table[core1_0.CommandPool]
	commandBuffers table[core1_0.CommandBuffer]
	fences         table[core1_0.Fence]
	semaphores     table[core1_0.Semaphore]
	memories       table[core1_0.DeviceMemory]
	buffers        table[core1_0.Buffer]
	images         table[core1_0.Image]
	views          table[core1_0.ImageView]
	swapchains     table[khr_swapchain.Swapchain]
	setLayouts     table[core1_0.DescriptorSetLayout]
	descPools      table[core1_0.DescriptorPool]
	sets           table[core1_0.DescriptorSet]
	shaders        table[core1_0.ShaderModule]
	layouts        table[core1_0.PipelineLayout]
	pipelines      table[core1_0.Pipeline]

	queueByFamily map[int]vkapi.Queue
	swapImages    map[vkapi.Handle][]vkapi.Handle
	renderPasses  map[renderPassKey]core1_0.RenderPass
	framebuffers  map[framebufferKey]core1_0.Framebuffer
}

type renderPassKey struct {
	color, depth core1_0.Format
}

type framebufferKey struct {
	color, depth vkapi.ImageView
	extent       vkapi.Extent
}

var _ vkapi.Device = (*Device)(nil)

func newDevice(instance *Instance, physical core1_0.PhysicalDevice, driver core1_0.CoreDeviceDriver) *Device {
	return &Device{
		instance:       instance,
		physical:       physical,
		driver:         driver,
		swapExt:        khr_swapchain.CreateExtensionDriverFromCoreDriver(driver),
		alloc:          instance.alloc,
		queues:         newTable[core1_0.Queue](),
		pools:          newTable[core1_0.CommandPool](),
		commandBuffers: newTable[core1_0.CommandBuffer](),
		fences:         newTable[core1_0.Fence](),
		semaphores:     newTable[core1_0.Semaphore](),
		memories:       newTable[core1_0.DeviceMemory](),
		buffers:        newTable[core1_0.Buffer](),
		images:         newTable[core1_0.Image](),
		views:          newTable[core1_0.ImageView](),
		swapchains:     newTable[khr_swapchain.Swapchain](),
		setLayouts:     newTable[core1_0.DescriptorSetLayout](),
		descPools:      newTable[core1_0.DescriptorPool](),
		sets:           newTable[core1_0.DescriptorSet](),
		shaders:        newTable[core1_0.ShaderModule](),
		layouts:        newTable[core1_0.PipelineLayout](),
		pipelines:      newTable[core1_0.Pipeline](),
		queueByFamily:  make(map[int]vkapi.Queue),
		swapImages:     make(map[vkapi.Handle][]vkapi.Handle),
		renderPasses:   make(map[renderPassKey]core1_0.RenderPass),
		framebuffers:   make(map[framebufferKey]core1_0.Framebuffer),
	}
}

func (d *Device) Queue(family int) vkapi.Queue {
	if q, ok := d.queueByFamily[family]; ok {
		return q
	}
	q := vkapi.Queue{Handle: d.queues.add(d.driver.GetQueue(family, 0))}
	d.queueByFamily[family] = q
	return q
}

func (d *Device) WaitIdle() error {
	_, err := d.driver.DeviceWaitIdle()
	return errors.Wrap(err, "vkng: device wait idle")
}

func (d *Device) QueueWaitIdle(queue vkapi.Queue) error {
	_, err := d.driver.QueueWaitIdle(d.queues.get(queue.Handle))
	return errors.Wrap(err, "vkng: queue wait idle")
}

func (d *Device) Submit(queue vkapi.Queue, fence vkapi.Fence, submission vkapi.Submission) error {
	info := core1_0.SubmitInfo{}
	for _, cb := range submission.Buffers {
		info.CommandBuffers = append(info.CommandBuffers, d.commandBuffers.get(cb.Handle))
	}
	if submission.Wait.Initialized() {
		info.WaitSemaphores = []core1_0.Semaphore{d.semaphores.get(submission.Wait.Handle)}
		info.WaitDstStageMask = []core1_0.PipelineStageFlags{submission.WaitStage}
	}
	if submission.Signal.Initialized() {
		info.SignalSemaphores = []core1_0.Semaphore{d.semaphores.get(submission.Signal.Handle)}
	}

	var fencePtr *core1_0.Fence
	if fence.Initialized() {
		f := d.fences.get(fence.Handle)
		fencePtr = &f
	}
	_, err := d.driver.QueueSubmit(d.queues.get(queue.Handle), fencePtr, info)
	return errors.Wrap(err, "vkng: queue submit")
}

func (d *Device) CreateCommandPool(info vkapi.CommandPoolInfo) (vkapi.CommandPool, error) {
	var flags core1_0.CommandPoolCreateFlags
	if info.Resettable {
		flags |= core1_0.CommandPoolCreateResetBuffer
	}
	if info.Transient {
		flags |= core1_0.CommandPoolCreateTransient
	}
	pool, _, err := d.driver.CreateCommandPool(d.alloc, core1_0.CommandPoolCreateInfo{
		Flags:            flags,
		QueueFamilyIndex: info.Family,
	})
	if err != nil {
		return vkapi.CommandPool{}, errors.Wrap(err, "vkng: create command pool")
	}
	return vkapi.CommandPool{Handle: d.pools.add(pool)}, nil
}

func (d *Device) DestroyCommandPool(pool vkapi.CommandPool) {
	if p, ok := d.pools.take(pool.Handle); ok {
		d.driver.DestroyCommandPool(p, d.alloc)
	}
}

func (d *Device) AllocateCommandBuffers(pool vkapi.CommandPool, count int) ([]vkapi.CommandBuffer, error) {
	buffers, _, err := d.driver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.pools.get(pool.Handle),
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: count,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkng: allocate command buffers")
	}
	out := make([]vkapi.CommandBuffer, 0, len(buffers))
	for _, cb := range buffers {
		out = append(out, vkapi.CommandBuffer{Handle: d.commandBuffers.add(cb)})
	}
	return out, nil
}

func (d *Device) FreeCommandBuffers(pool vkapi.CommandPool, buffers ...vkapi.CommandBuffer) {
	var native []core1_0.CommandBuffer
	for _, cb := range buffers {
		if c, ok := d.commandBuffers.take(cb.Handle); ok {
			native = append(native, c)
		}
	}
	if len(native) > 0 {
		d.driver.FreeCommandBuffers(native...)
	}
}

func (d *Device) ResetCommandBuffer(buffer vkapi.CommandBuffer) error {
	_, err := d.driver.ResetCommandBuffer(d.commandBuffers.get(buffer.Handle), 0)
	return errors.Wrap(err, "vkng: reset command buffer")
}

func (d *Device) BeginCommandBuffer(buffer vkapi.CommandBuffer, oneTime bool) error {
	info := core1_0.CommandBufferBeginInfo{}
	if oneTime {
		info.Flags = core1_0.CommandBufferUsageOneTimeSubmit
	}
	_, err := d.driver.BeginCommandBuffer(d.commandBuffers.get(buffer.Handle), info)
	return errors.Wrap(err, "vkng: begin command buffer")
}

func (d *Device) EndCommandBuffer(buffer vkapi.CommandBuffer) error {
	_, err := d.driver.EndCommandBuffer(d.commandBuffers.get(buffer.Handle))
	return errors.Wrap(err, "vkng: end command buffer")
}

func (d *Device) CreateFence(signaled bool) (vkapi.Fence, error) {
	info := core1_0.FenceCreateInfo{}
	if signaled {
		info.Flags = core1_0.FenceCreateSignaled
	}
	fence, _, err := d.driver.CreateFence(d.alloc, info)
	if err != nil {
		return vkapi.Fence{}, errors.Wrap(err, "vkng: create fence")
	}
	return vkapi.Fence{Handle: d.fences.add(fence)}, nil
}

func (d *Device) DestroyFence(fence vkapi.Fence) {
	if f, ok := d.fences.take(fence.Handle); ok {
		d.driver.DestroyFence(f, d.alloc)
	}
}

func (d *Device) WaitForFence(fence vkapi.Fence) error {
	_, err := d.driver.WaitForFences(true, common.NoTimeout, d.fences.get(fence.Handle))
	return errors.Wrap(err, "vkng: wait for fence")
}

func (d *Device) ResetFence(fence vkapi.Fence) error {
	_, err := d.driver.ResetFences(d.fences.get(fence.Handle))
	return errors.Wrap(err, "vkng: reset fence")
}

func (d *Device) CreateSemaphore() (vkapi.Semaphore, error) {
	semaphore, _, err := d.driver.CreateSemaphore(d.alloc, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return vkapi.Semaphore{}, errors.Wrap(err, "vkng: create semaphore")
	}
	return vkapi.Semaphore{Handle: d.semaphores.add(semaphore)}, nil
}

func (d *Device) DestroySemaphore(semaphore vkapi.Semaphore) {
	if s, ok := d.semaphores.take(semaphore.Handle); ok {
		d.driver.DestroySemaphore(s, d.alloc)
	}
}

func (d *Device) AllocateMemory(size int, typeIndex int) (vkapi.DeviceMemory, error) {
	memory, _, err := d.driver.AllocateMemory(d.alloc, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: typeIndex,
	})
	if err != nil {
		return vkapi.DeviceMemory{}, errors.Wrapf(err, "vkng: allocate %d bytes of memory type %d", size, typeIndex)
	}
	return vkapi.DeviceMemory{Handle: d.memories.add(memory)}, nil
}

func (d *Device) FreeMemory(memory vkapi.DeviceMemory) {
	if m, ok := d.memories.take(memory.Handle); ok {
		d.driver.FreeMemory(m, d.alloc)
	}
}

func (d *Device) MapMemory(memory vkapi.DeviceMemory, offset, size int) (unsafe.Pointer, error) {
	ptr, _, err := d.driver.MapMemory(d.memories.get(memory.Handle), offset, size, 0)
	if err != nil {
		return nil, errors.Wrap(err, "vkng: map memory")
	}
	return ptr, nil
}

func (d *Device) UnmapMemory(memory vkapi.DeviceMemory) {
	d.driver.UnmapMemory(d.memories.get(memory.Handle))
}

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (vkapi.Buffer, error) {
	buffer, _, err := d.driver.CreateBuffer(d.alloc, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return vkapi.Buffer{}, errors.Wrap(err, "vkng: create buffer")
	}
	return vkapi.Buffer{Handle: d.buffers.add(buffer)}, nil
}

func requirements(reqs *core1_0.MemoryRequirements) vkapi.MemoryRequirements {
	return vkapi.MemoryRequirements{
		Size:      int(reqs.Size),
		Alignment: int(reqs.Alignment),
		TypeBits:  uint32(reqs.MemoryTypeBits),
	}
}

func (d *Device) BufferRequirements(buffer vkapi.Buffer) vkapi.MemoryRequirements {
	return requirements(d.driver.GetBufferMemoryRequirements(d.buffers.get(buffer.Handle)))
}

func (d *Device) BindBufferMemory(buffer vkapi.Buffer, memory vkapi.DeviceMemory, offset int) error {
	_, err := d.driver.BindBufferMemory(d.buffers.get(buffer.Handle), d.memories.get(memory.Handle), offset)
	return errors.Wrap(err, "vkng: bind buffer memory")
}

func (d *Device) DestroyBuffer(buffer vkapi.Buffer) {
	if b, ok := d.buffers.take(buffer.Handle); ok {
		d.driver.DestroyBuffer(b, d.alloc)
	}
}

func (d *Device) CreateImage(info vkapi.ImageInfo) (vkapi.Image, error) {
	levels := info.Levels
	if levels < 1 {
		levels = 1
	}
	image, _, err := d.driver.CreateImage(d.alloc, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  1,
		},
		MipLevels:     levels,
		ArrayLayers:   1,
		Format:        info.Format,
		Tiling:        info.Tiling,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         info.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return vkapi.Image{}, errors.Wrap(err, "vkng: create image")
	}
	return vkapi.Image{Handle: d.images.add(image)}, nil
}

func (d *Device) ImageRequirements(image vkapi.Image) vkapi.MemoryRequirements {
	return requirements(d.driver.GetImageMemoryRequirements(d.images.get(image.Handle)))
}

func (d *Device) BindImageMemory(image vkapi.Image, memory vkapi.DeviceMemory, offset int) error {
	_, err := d.driver.BindImageMemory(d.images.get(image.Handle), d.memories.get(memory.Handle), offset)
	return errors.Wrap(err, "vkng: bind image memory")
}

func (d *Device) DestroyImage(image vkapi.Image) {
	if i, ok := d.images.take(image.Handle); ok {
		d.driver.DestroyImage(i, d.alloc)
	}
}

func subresourceRange(r vkapi.Subrange) core1_0.ImageSubresourceRange {
	return core1_0.ImageSubresourceRange{
		AspectMask:     r.Aspect,
		BaseMipLevel:   r.BaseMip,
		LevelCount:     r.Levels,
		BaseArrayLayer: r.BaseLayer,
		LayerCount:     r.Layers,
	}
}

func (d *Device) CreateImageView(info vkapi.ImageViewInfo) (vkapi.ImageView, error) {
	view, _, err := d.driver.CreateImageView(d.alloc, core1_0.ImageViewCreateInfo{
		Image:            d.images.get(info.Image.Handle),
		ViewType:         core1_0.ImageViewType2D,
		Format:           info.Format,
		SubresourceRange: subresourceRange(info.Subrange),
	})
	if err != nil {
		return vkapi.ImageView{}, errors.Wrap(err, "vkng: create image view")
	}
	return vkapi.ImageView{Handle: d.views.add(view)}, nil
}

func (d *Device) DestroyImageView(view vkapi.ImageView) {
	for key, fb := range d.framebuffers {
		if key.color == view || key.depth == view {
			d.driver.DestroyFramebuffer(fb, d.alloc)
			delete(d.framebuffers, key)
		}
	}
	if v, ok := d.views.take(view.Handle); ok {
		d.driver.DestroyImageView(v, d.alloc)
	}
}

func (d *Device) CreateSwapchain(info vkapi.SwapchainInfo) (vkapi.Swapchain, error) {
	surface := d.instance.surfaces.get(info.Surface.Handle)
	caps, err := d.instance.capabilities(d.physical, surface)
	if err != nil {
		return vkapi.Swapchain{}, err
	}

	sharingMode := core1_0.SharingModeExclusive
	var families []int
	if len(info.QueueFamilies) > 1 {
		sharingMode = core1_0.SharingModeConcurrent
		families = info.QueueFamilies
	}

	swapchain, _, err := d.swapExt.CreateSwapchain(d.alloc, khr_swapchain.SwapchainCreateInfo{
		Surface: surface,

		MinImageCount:    info.MinImageCount,
		ImageFormat:      info.Format.Format,
		ImageColorSpace:  info.Format.ColorSpace,
		ImageExtent:      core1_0.Extent2D{Width: info.Extent.Width, Height: info.Extent.Height},
		ImageArrayLayers: 1,
		ImageUsage:       info.Usage,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: families,

		PreTransform:   caps.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    info.PresentMode,
		Clipped:        true,
	})
	if err != nil {
		return vkapi.Swapchain{}, errors.Wrap(err, "vkng: create swapchain")
	}
	return vkapi.Swapchain{Handle: d.swapchains.add(swapchain)}, nil
}

func (d *Device) SwapchainImages(swapchain vkapi.Swapchain) ([]vkapi.Image, error) {
	images, _, err := d.swapExt.GetSwapchainImages(d.swapchains.get(swapchain.Handle))
	if err != nil {
		return nil, errors.Wrap(err, "vkng: swapchain images")
	}
	// Swapchain images belong to the swapchain; their handles are dropped
	// with it rather than through DestroyImage.
	for _, h := range d.swapImages[swapchain.Handle] {
		d.images.take(h)
	}
	handles := make([]vkapi.Handle, 0, len(images))
	out := make([]vkapi.Image, 0, len(images))
	for _, image := range images {
		h := d.images.add(image)
		handles = append(handles, h)
		out = append(out, vkapi.Image{Handle: h})
	}
	d.swapImages[swapchain.Handle] = handles
	return out, nil
}

func (d *Device) DestroySwapchain(swapchain vkapi.Swapchain) {
	for _, h := range d.swapImages[swapchain.Handle] {
		d.images.take(h)
	}
	delete(d.swapImages, swapchain.Handle)
	if s, ok := d.swapchains.take(swapchain.Handle); ok {
		d.swapExt.DestroySwapchain(s, d.alloc)
	}
}

func (d *Device) AcquireNextImage(swapchain vkapi.Swapchain, signal vkapi.Semaphore) (int, bool, error) {
	semaphore := d.semaphores.get(signal.Handle)
	index, res, err := d.swapExt.AcquireNextImage(d.swapchains.get(swapchain.Handle), common.NoTimeout, &semaphore, nil)
	switch {
	case res == khr_swapchain.VKErrorOutOfDate:
		return 0, false, vkapi.ErrOutOfDate
	case err != nil:
		return 0, false, errors.Wrap(err, "vkng: acquire next image")
	}
	return index, res == khr_swapchain.VKSuboptimal, nil
}

func (d *Device) QueuePresent(queue vkapi.Queue, swapchain vkapi.Swapchain, index int, wait vkapi.Semaphore) error {
	res, err := d.swapExt.QueuePresent(d.queues.get(queue.Handle), khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{d.semaphores.get(wait.Handle)},
		Swapchains:     []khr_swapchain.Swapchain{d.swapchains.get(swapchain.Handle)},
		ImageIndices:   []int{index},
	})
	switch {
	case res == khr_swapchain.VKErrorOutOfDate:
		return vkapi.ErrOutOfDate
	case res == khr_swapchain.VKSuboptimal:
		return vkapi.ErrSuboptimal
	case err != nil:
		return errors.Wrap(err, "vkng: queue present")
	}
	return nil
}

// Destroy releases cached render passes and framebuffers, then the device.
func (d *Device) Destroy() {
	for key, fb := range d.framebuffers {
		d.driver.DestroyFramebuffer(fb, d.alloc)
		delete(d.framebuffers, key)
	}
	for key, rp := range d.renderPasses {
		d.driver.DestroyRenderPass(rp, d.alloc)
		delete(d.renderPasses, key)
	}
	d.driver.DestroyDevice(d.alloc)
}
