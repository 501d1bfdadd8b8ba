package vkapitest

import (
	"fmt"
	"sort"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// SPIRVMagic is the first word of every SPIR-V module.
const SPIRVMagic = 0x07230203

type fence struct {
	signaled bool
	pending  []*commandBuffer
}

type commandBuffer struct {
	pool      vkapi.CommandPool
	recording bool
	rendering bool
	inFlight  *fence
	unfenced  bool
	ops       []func()
}

type memory struct {
	size      int
	typeIndex int
	data      []byte
	mapped    bool
}

func (m *memory) bytes() []byte {
	if m.data == nil {
		m.data = make([]byte, m.size)
	}
	return m.data
}

type buffer struct {
	size   int
	usage  core1_0.BufferUsageFlags
	memory vkapi.DeviceMemory
	offset int
}

type image struct {
	info      vkapi.ImageInfo
	memory    vkapi.DeviceMemory
	swapchain vkapi.Handle
	views     int
	layout    core1_0.ImageLayout
}

type swapchain struct {
	info   vkapi.SwapchainInfo
	images []vkapi.Image
	next   int
}

// Device is a simulated logical device. Fault injection fields may be set
// by tests at any time.
type Device struct {
	gpu       *GPU
	rec       *Recorder
	info      vkapi.DeviceInfo
	next      vkapi.Handle
	host      hostMemory
	destroyed bool

	live       map[vkapi.Handle]string
	fences     map[vkapi.Handle]*fence
	cmds       map[vkapi.Handle]*commandBuffer
	memories   map[vkapi.Handle]*memory
	buffers    map[vkapi.Handle]*buffer
	images     map[vkapi.Handle]*image
	views      map[vkapi.Handle]vkapi.Handle
	swapchains map[vkapi.Handle]*swapchain
	poolSets   map[vkapi.Handle][]vkapi.Handle
	poolLimit  map[vkapi.Handle]int

	// UniformBindings maps descriptor sets to the buffer written to them.
	UniformBindings map[vkapi.DescriptorSet]vkapi.Buffer
	// Pipelines records the info of every live pipeline.
	Pipelines map[vkapi.Pipeline]vkapi.GraphicsPipelineInfo
	// Swapchains records the info of every swapchain ever created.
	Swapchains []vkapi.SwapchainInfo
	// Rendering records the info of every CmdBeginRendering call.
	Rendering []vkapi.RenderingInfo

	Submits     int
	FenceWaits  int
	Acquires    int
	Presents    int
	Draws       int
	Copies      int
	Allocations int

	// AcquireOutOfDate makes the next n acquires report an out of date
	// swapchain.
	AcquireOutOfDate int
	// AcquireSuboptimal makes the next n acquires report suboptimal.
	AcquireSuboptimal int
	// PresentOutOfDate makes the next n presents report out of date.
	PresentOutOfDate int
	// PresentSuboptimal makes the next n presents report suboptimal.
	PresentSuboptimal int
	// PresentErr makes the next present fail with this error.
	PresentErr error
	// AllocateErr makes memory allocations fail with this error.
	AllocateErr error
	// ImageViewErr makes image view creation fail with this error.
	ImageViewErr error
}

var _ vkapi.Device = (*Device)(nil)

func newDevice(gpu *GPU, rec *Recorder, info vkapi.DeviceInfo) *Device {
	return &Device{
		gpu:             gpu,
		rec:             rec,
		info:            info,
		live:            make(map[vkapi.Handle]string),
		fences:          make(map[vkapi.Handle]*fence),
		cmds:            make(map[vkapi.Handle]*commandBuffer),
		memories:        make(map[vkapi.Handle]*memory),
		buffers:         make(map[vkapi.Handle]*buffer),
		images:          make(map[vkapi.Handle]*image),
		views:           make(map[vkapi.Handle]vkapi.Handle),
		swapchains:      make(map[vkapi.Handle]*swapchain),
		poolSets:        make(map[vkapi.Handle][]vkapi.Handle),
		poolLimit:       make(map[vkapi.Handle]int),
		UniformBindings: make(map[vkapi.DescriptorSet]vkapi.Buffer),
		Pipelines:       make(map[vkapi.Pipeline]vkapi.GraphicsPipelineInfo),
	}
}

// Info returns the info the device was created with.
func (d *Device) Info() vkapi.DeviceInfo {
	return d.info
}

// Live returns the number of live objects of kind.
func (d *Device) Live(kind string) int {
	n := 0
	for _, k := range d.live {
		if k == kind {
			n++
		}
	}
	return n
}

// IsLive reports whether h refers to a live object.
func (d *Device) IsLive(h vkapi.Handle) bool {
	_, ok := d.live[h]
	return ok
}

// ImageInfo returns the creation info of a live image. Swapchain images
// report the swapchain format, extent and usage.
func (d *Device) ImageInfo(img vkapi.Image) (vkapi.ImageInfo, bool) {
	i, ok := d.images[img.Handle]
	if !ok {
		return vkapi.ImageInfo{}, false
	}
	return i.info, true
}

// ImageLayout returns the layout recorded for an image by barriers.
func (d *Device) ImageLayout(img vkapi.Image) core1_0.ImageLayout {
	if i, ok := d.images[img.Handle]; ok {
		return i.layout
	}
	return core1_0.ImageLayoutUndefined
}

// BufferContents returns the bytes backing buf.
func (d *Device) BufferContents(buf vkapi.Buffer) []byte {
	b, ok := d.buffers[buf.Handle]
	if !ok || !b.memory.Initialized() {
		return nil
	}
	m := d.memories[b.memory.Handle]
	return m.bytes()[b.offset : b.offset+b.size]
}

func (d *Device) create(kind string) vkapi.Handle {
	d.next++
	d.live[d.next] = kind
	d.rec.event("create %s", kind)
	return d.next
}

func (d *Device) destroy(h vkapi.Handle, kind string) bool {
	if d.destroyed {
		d.rec.violate("destroy %s after device destruction", kind)
		return false
	}
	if got, ok := d.live[h]; !ok || got != kind {
		d.rec.violate("destroy of unknown %s %d", kind, h)
		return false
	}
	delete(d.live, h)
	d.rec.event("destroy %s", kind)
	return true
}

func (d *Device) check(h vkapi.Handle, kind string) bool {
	if got, ok := d.live[h]; !ok || got != kind {
		d.rec.violate("use of unknown %s %d", kind, h)
		return false
	}
	return true
}

func (d *Device) Queue(family int) vkapi.Queue {
	return vkapi.Queue{Handle: vkapi.Handle(1<<48 | family)}
}

func (d *Device) complete(f *fence) {
	for _, cb := range f.pending {
		cb.inFlight = nil
	}
	f.pending = nil
	f.signaled = true
}

func (d *Device) idle() {
	for _, f := range d.fences {
		if len(f.pending) > 0 {
			d.complete(f)
		}
	}
	for _, cb := range d.cmds {
		cb.unfenced = false
	}
}

func (d *Device) WaitIdle() error {
	d.idle()
	return nil
}

func (d *Device) QueueWaitIdle(queue vkapi.Queue) error {
	d.idle()
	return nil
}

func (d *Device) Submit(queue vkapi.Queue, fenceHandle vkapi.Fence, s vkapi.Submission) error {
	var f *fence
	if fenceHandle.Initialized() {
		if !d.check(fenceHandle.Handle, "fence") {
			return errors.New("vkapitest: unknown fence")
		}
		f = d.fences[fenceHandle.Handle]
		if f.signaled || len(f.pending) > 0 {
			d.rec.violate("submit with a fence that is signaled or in use")
		}
	}
	if s.Wait.Initialized() {
		d.check(s.Wait.Handle, "semaphore")
	}
	if s.Signal.Initialized() {
		d.check(s.Signal.Handle, "semaphore")
	}
	for _, h := range s.Buffers {
		if !d.check(h.Handle, "command buffer") {
			return errors.New("vkapitest: unknown command buffer")
		}
		cb := d.cmds[h.Handle]
		if cb.recording {
			d.rec.violate("submit of a command buffer that is still recording")
		}
		if cb.inFlight != nil || cb.unfenced {
			d.rec.violate("submit of a command buffer that is already in flight")
		}
		for _, op := range cb.ops {
			op()
		}
		if f != nil {
			cb.inFlight = f
			f.pending = append(f.pending, cb)
		} else {
			cb.unfenced = true
		}
	}
	d.Submits++
	return nil
}

func (d *Device) CreateCommandPool(info vkapi.CommandPoolInfo) (vkapi.CommandPool, error) {
	if info.Family < 0 || info.Family >= len(d.gpu.Families) {
		return vkapi.CommandPool{}, errors.Newf("vkapitest: queue family %d out of range", info.Family)
	}
	return vkapi.CommandPool{Handle: d.create("command pool")}, nil
}

func (d *Device) DestroyCommandPool(pool vkapi.CommandPool) {
	for h, cb := range d.cmds {
		if cb.pool == pool {
			if cb.inFlight != nil || cb.unfenced {
				d.rec.violate("command pool destroyed with a command buffer in flight")
			}
			delete(d.cmds, h)
			delete(d.live, h)
		}
	}
	d.destroy(pool.Handle, "command pool")
}

func (d *Device) AllocateCommandBuffers(pool vkapi.CommandPool, count int) ([]vkapi.CommandBuffer, error) {
	if !d.check(pool.Handle, "command pool") {
		return nil, errors.New("vkapitest: unknown command pool")
	}
	out := make([]vkapi.CommandBuffer, 0, count)
	for i := 0; i < count; i++ {
		h := d.create("command buffer")
		d.cmds[h] = &commandBuffer{pool: pool}
		out = append(out, vkapi.CommandBuffer{Handle: h})
	}
	return out, nil
}

func (d *Device) FreeCommandBuffers(pool vkapi.CommandPool, buffers ...vkapi.CommandBuffer) {
	for _, b := range buffers {
		cb, ok := d.cmds[b.Handle]
		if ok && (cb.inFlight != nil || cb.unfenced) {
			d.rec.violate("command buffer freed while in flight")
		}
		if d.destroy(b.Handle, "command buffer") {
			delete(d.cmds, b.Handle)
		}
	}
}

func (d *Device) ResetCommandBuffer(b vkapi.CommandBuffer) error {
	if !d.check(b.Handle, "command buffer") {
		return errors.New("vkapitest: unknown command buffer")
	}
	cb := d.cmds[b.Handle]
	if cb.inFlight != nil || cb.unfenced {
		d.rec.violate("command buffer reset while its submission is pending")
	}
	cb.ops = nil
	cb.recording = false
	cb.rendering = false
	return nil
}

func (d *Device) BeginCommandBuffer(b vkapi.CommandBuffer, oneTime bool) error {
	if !d.check(b.Handle, "command buffer") {
		return errors.New("vkapitest: unknown command buffer")
	}
	cb := d.cmds[b.Handle]
	if cb.inFlight != nil || cb.unfenced {
		d.rec.violate("command buffer begun while its submission is pending")
	}
	if cb.recording {
		d.rec.violate("command buffer begun twice")
	}
	cb.ops = nil
	cb.recording = true
	return nil
}

func (d *Device) EndCommandBuffer(b vkapi.CommandBuffer) error {
	cb := d.recording(b)
	if cb == nil {
		return errors.New("vkapitest: command buffer not recording")
	}
	if cb.rendering {
		d.rec.violate("command buffer ended inside rendering")
	}
	cb.recording = false
	return nil
}

func (d *Device) recording(b vkapi.CommandBuffer) *commandBuffer {
	if !d.check(b.Handle, "command buffer") {
		return nil
	}
	cb := d.cmds[b.Handle]
	if !cb.recording {
		d.rec.violate("command recorded outside of recording")
		return nil
	}
	return cb
}

func (d *Device) CreateFence(signaled bool) (vkapi.Fence, error) {
	h := d.create("fence")
	d.fences[h] = &fence{signaled: signaled}
	return vkapi.Fence{Handle: h}, nil
}

func (d *Device) DestroyFence(f vkapi.Fence) {
	if fc, ok := d.fences[f.Handle]; ok && len(fc.pending) > 0 {
		d.rec.violate("fence destroyed while work is pending")
	}
	if d.destroy(f.Handle, "fence") {
		delete(d.fences, f.Handle)
	}
}

// WaitForFence completes the work guarded by the fence. Waiting on an
// unsignaled fence with no work would block forever and is reported.
func (d *Device) WaitForFence(f vkapi.Fence) error {
	if !d.check(f.Handle, "fence") {
		return errors.New("vkapitest: unknown fence")
	}
	d.FenceWaits++
	fc := d.fences[f.Handle]
	if len(fc.pending) > 0 {
		d.complete(fc)
	}
	if !fc.signaled {
		d.rec.violate("wait on an unsignaled fence with no pending work")
		return errors.New("vkapitest: deadlock")
	}
	return nil
}

func (d *Device) ResetFence(f vkapi.Fence) error {
	if !d.check(f.Handle, "fence") {
		return errors.New("vkapitest: unknown fence")
	}
	fc := d.fences[f.Handle]
	if len(fc.pending) > 0 {
		d.rec.violate("fence reset while work is pending")
	}
	fc.signaled = false
	return nil
}

// FenceSignaled reports the state of a fence.
func (d *Device) FenceSignaled(f vkapi.Fence) bool {
	fc, ok := d.fences[f.Handle]
	return ok && fc.signaled
}

func (d *Device) CreateSemaphore() (vkapi.Semaphore, error) {
	return vkapi.Semaphore{Handle: d.create("semaphore")}, nil
}

func (d *Device) DestroySemaphore(s vkapi.Semaphore) {
	d.destroy(s.Handle, "semaphore")
}

func (d *Device) AllocateMemory(size int, typeIndex int) (vkapi.DeviceMemory, error) {
	if d.AllocateErr != nil {
		return vkapi.DeviceMemory{}, d.AllocateErr
	}
	if typeIndex < 0 || typeIndex >= len(d.gpu.Memory.Types) {
		return vkapi.DeviceMemory{}, errors.Newf("vkapitest: memory type %d out of range", typeIndex)
	}
	h := d.create("memory")
	d.memories[h] = &memory{size: size, typeIndex: typeIndex}
	d.Allocations++
	return vkapi.DeviceMemory{Handle: h}, nil
}

func (d *Device) FreeMemory(mem vkapi.DeviceMemory) {
	for _, b := range d.buffers {
		if b.memory == mem {
			d.rec.violate("memory freed while a buffer is bound to it")
		}
	}
	for _, i := range d.images {
		if i.memory == mem {
			d.rec.violate("memory freed while an image is bound to it")
		}
	}
	if d.destroy(mem.Handle, "memory") {
		delete(d.memories, mem.Handle)
	}
}

func (d *Device) MapMemory(mem vkapi.DeviceMemory, offset, size int) (unsafe.Pointer, error) {
	if !d.check(mem.Handle, "memory") {
		return nil, errors.New("vkapitest: unknown memory")
	}
	m := d.memories[mem.Handle]
	if d.gpu.Memory.Types[m.typeIndex].Flags&core1_0.MemoryPropertyHostVisible == 0 {
		d.rec.violate("map of memory that is not host visible")
		return nil, errors.New("vkapitest: memory not host visible")
	}
	if m.mapped {
		d.rec.violate("memory mapped twice")
	}
	if offset < 0 || offset+size > m.size || size <= 0 {
		return nil, errors.Newf("vkapitest: map range [%d, %d) outside %d bytes", offset, offset+size, m.size)
	}
	m.mapped = true
	return unsafe.Pointer(&m.bytes()[offset]), nil
}

func (d *Device) UnmapMemory(mem vkapi.DeviceMemory) {
	if !d.check(mem.Handle, "memory") {
		return
	}
	m := d.memories[mem.Handle]
	if !m.mapped {
		d.rec.violate("unmap of memory that is not mapped")
	}
	m.mapped = false
}

func (d *Device) allTypes() uint32 {
	return uint32(1)<<len(d.gpu.Memory.Types) - 1
}

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (vkapi.Buffer, error) {
	if size <= 0 {
		return vkapi.Buffer{}, errors.Newf("vkapitest: buffer size %d", size)
	}
	h := d.create("buffer")
	d.buffers[h] = &buffer{size: size, usage: usage}
	return vkapi.Buffer{Handle: h}, nil
}

func (d *Device) BufferRequirements(buf vkapi.Buffer) vkapi.MemoryRequirements {
	if !d.check(buf.Handle, "buffer") {
		return vkapi.MemoryRequirements{}
	}
	b := d.buffers[buf.Handle]
	return vkapi.MemoryRequirements{Size: b.size, Alignment: 256, TypeBits: d.allTypes()}
}

func (d *Device) bindRange(mem vkapi.DeviceMemory, offset, size int) error {
	if !d.check(mem.Handle, "memory") {
		return errors.New("vkapitest: unknown memory")
	}
	m := d.memories[mem.Handle]
	if offset < 0 || offset+size > m.size {
		d.rec.violate("bind range [%d, %d) outside %d bytes", offset, offset+size, m.size)
		return errors.New("vkapitest: bind out of range")
	}
	return nil
}

func (d *Device) BindBufferMemory(buf vkapi.Buffer, mem vkapi.DeviceMemory, offset int) error {
	if !d.check(buf.Handle, "buffer") {
		return errors.New("vkapitest: unknown buffer")
	}
	b := d.buffers[buf.Handle]
	if err := d.bindRange(mem, offset, b.size); err != nil {
		return err
	}
	if offset%256 != 0 {
		d.rec.violate("buffer bound at misaligned offset %d", offset)
	}
	b.memory = mem
	b.offset = offset
	return nil
}

func (d *Device) DestroyBuffer(buf vkapi.Buffer) {
	if d.destroy(buf.Handle, "buffer") {
		delete(d.buffers, buf.Handle)
	}
}

func (d *Device) CreateImage(info vkapi.ImageInfo) (vkapi.Image, error) {
	if info.Extent.Empty() {
		return vkapi.Image{}, errors.Newf("vkapitest: image extent %dx%d", info.Extent.Width, info.Extent.Height)
	}
	h := d.create("image")
	d.images[h] = &image{info: info}
	return vkapi.Image{Handle: h}, nil
}

func (d *Device) ImageRequirements(img vkapi.Image) vkapi.MemoryRequirements {
	if !d.check(img.Handle, "image") {
		return vkapi.MemoryRequirements{}
	}
	i := d.images[img.Handle]
	size := i.info.Extent.Width * i.info.Extent.Height * 4
	return vkapi.MemoryRequirements{Size: size, Alignment: 4096, TypeBits: d.allTypes()}
}

func (d *Device) BindImageMemory(img vkapi.Image, mem vkapi.DeviceMemory, offset int) error {
	if !d.check(img.Handle, "image") {
		return errors.New("vkapitest: unknown image")
	}
	i := d.images[img.Handle]
	if err := d.bindRange(mem, offset, d.ImageRequirements(img).Size); err != nil {
		return err
	}
	if offset%4096 != 0 {
		d.rec.violate("image bound at misaligned offset %d", offset)
	}
	i.memory = mem
	return nil
}

func (d *Device) DestroyImage(img vkapi.Image) {
	if i, ok := d.images[img.Handle]; ok {
		if i.swapchain != 0 {
			d.rec.violate("swapchain image destroyed directly")
			return
		}
		if i.views > 0 {
			d.rec.violate("image destroyed before its %d views", i.views)
		}
	}
	if d.destroy(img.Handle, "image") {
		delete(d.images, img.Handle)
	}
}

func (d *Device) CreateImageView(info vkapi.ImageViewInfo) (vkapi.ImageView, error) {
	if d.ImageViewErr != nil {
		return vkapi.ImageView{}, d.ImageViewErr
	}
	i, ok := d.images[info.Image.Handle]
	if kind := d.live[info.Image.Handle]; !ok || (kind != "image" && kind != "swapchain image") {
		d.rec.violate("use of unknown image %d", info.Image.Handle)
		return vkapi.ImageView{}, errors.New("vkapitest: unknown image")
	}
	if i.swapchain == 0 && !i.memory.Initialized() {
		d.rec.violate("view created on an image without memory")
	}
	i.views++
	h := d.create("image view")
	d.views[h] = info.Image.Handle
	return vkapi.ImageView{Handle: h}, nil
}

func (d *Device) DestroyImageView(view vkapi.ImageView) {
	if img, ok := d.views[view.Handle]; ok {
		if i, ok := d.images[img]; ok {
			i.views--
		}
	}
	if d.destroy(view.Handle, "image view") {
		delete(d.views, view.Handle)
	}
}

func (d *Device) CreateSwapchain(info vkapi.SwapchainInfo) (vkapi.Swapchain, error) {
	if info.Extent.Empty() {
		return vkapi.Swapchain{}, errors.New("vkapitest: empty swapchain extent")
	}
	caps := d.gpu.Capabilities
	count := info.MinImageCount
	if count < caps.MinImageCount || (caps.MaxImageCount > 0 && count > caps.MaxImageCount) {
		d.rec.violate("swapchain image count %d outside [%d, %d]", count, caps.MinImageCount, caps.MaxImageCount)
	}
	for _, s := range d.swapchains {
		if s.info.Surface == info.Surface {
			d.rec.violate("second swapchain created for a surface")
		}
	}
	h := d.create("swapchain")
	sc := &swapchain{info: info}
	for i := 0; i < count; i++ {
		d.next++
		d.live[d.next] = "swapchain image"
		d.images[d.next] = &image{
			info:      vkapi.ImageInfo{Format: info.Format.Format, Extent: info.Extent, Levels: 1, Usage: info.Usage},
			swapchain: h,
		}
		sc.images = append(sc.images, vkapi.Image{Handle: d.next})
	}
	d.swapchains[h] = sc
	d.Swapchains = append(d.Swapchains, info)
	return vkapi.Swapchain{Handle: h}, nil
}

func (d *Device) SwapchainImages(s vkapi.Swapchain) ([]vkapi.Image, error) {
	if !d.check(s.Handle, "swapchain") {
		return nil, errors.New("vkapitest: unknown swapchain")
	}
	return append([]vkapi.Image(nil), d.swapchains[s.Handle].images...), nil
}

func (d *Device) DestroySwapchain(s vkapi.Swapchain) {
	sc, ok := d.swapchains[s.Handle]
	if ok {
		for _, img := range sc.images {
			if d.images[img.Handle].views > 0 {
				d.rec.violate("swapchain destroyed before the views of its images")
			}
			delete(d.images, img.Handle)
			delete(d.live, img.Handle)
		}
	}
	if d.destroy(s.Handle, "swapchain") {
		delete(d.swapchains, s.Handle)
	}
}

func (d *Device) AcquireNextImage(s vkapi.Swapchain, signal vkapi.Semaphore) (int, bool, error) {
	if !d.check(s.Handle, "swapchain") {
		return 0, false, errors.New("vkapitest: unknown swapchain")
	}
	d.check(signal.Handle, "semaphore")
	d.Acquires++
	if d.AcquireOutOfDate > 0 {
		d.AcquireOutOfDate--
		return 0, false, vkapi.ErrOutOfDate
	}
	sc := d.swapchains[s.Handle]
	index := sc.next
	sc.next = (sc.next + 1) % len(sc.images)
	suboptimal := false
	if d.AcquireSuboptimal > 0 {
		d.AcquireSuboptimal--
		suboptimal = true
	}
	return index, suboptimal, nil
}

func (d *Device) QueuePresent(queue vkapi.Queue, s vkapi.Swapchain, index int, wait vkapi.Semaphore) error {
	if !d.check(s.Handle, "swapchain") {
		return errors.New("vkapitest: unknown swapchain")
	}
	d.check(wait.Handle, "semaphore")
	sc := d.swapchains[s.Handle]
	if index < 0 || index >= len(sc.images) {
		d.rec.violate("present of image %d out of %d", index, len(sc.images))
		return errors.New("vkapitest: image index out of range")
	}
	if layout := d.images[sc.images[index].Handle].layout; layout != khr_swapchain.ImageLayoutPresentSrc {
		d.rec.violate("present of an image in layout %d", layout)
	}
	d.Presents++
	switch {
	case d.PresentErr != nil:
		err := d.PresentErr
		d.PresentErr = nil
		return err
	case d.PresentOutOfDate > 0:
		d.PresentOutOfDate--
		return vkapi.ErrOutOfDate
	case d.PresentSuboptimal > 0:
		d.PresentSuboptimal--
		return vkapi.ErrSuboptimal
	}
	return nil
}

func (d *Device) CreateDescriptorSetLayout(bindings []vkapi.DescriptorBinding) (vkapi.DescriptorSetLayout, error) {
	return vkapi.DescriptorSetLayout{Handle: d.create("descriptor set layout")}, nil
}

func (d *Device) DestroyDescriptorSetLayout(layout vkapi.DescriptorSetLayout) {
	d.destroy(layout.Handle, "descriptor set layout")
}

func (d *Device) CreateDescriptorPool(info vkapi.DescriptorPoolInfo) (vkapi.DescriptorPool, error) {
	h := d.create("descriptor pool")
	d.poolLimit[h] = info.MaxSets
	return vkapi.DescriptorPool{Handle: h}, nil
}

func (d *Device) DestroyDescriptorPool(pool vkapi.DescriptorPool) {
	for _, set := range d.poolSets[pool.Handle] {
		delete(d.live, set)
		delete(d.UniformBindings, vkapi.DescriptorSet{Handle: set})
	}
	delete(d.poolSets, pool.Handle)
	delete(d.poolLimit, pool.Handle)
	d.destroy(pool.Handle, "descriptor pool")
}

func (d *Device) AllocateDescriptorSets(pool vkapi.DescriptorPool, layout vkapi.DescriptorSetLayout, count int) ([]vkapi.DescriptorSet, error) {
	if !d.check(pool.Handle, "descriptor pool") || !d.check(layout.Handle, "descriptor set layout") {
		return nil, errors.New("vkapitest: unknown pool or layout")
	}
	if len(d.poolSets[pool.Handle])+count > d.poolLimit[pool.Handle] {
		return nil, errors.New("vkapitest: descriptor pool exhausted")
	}
	out := make([]vkapi.DescriptorSet, 0, count)
	for i := 0; i < count; i++ {
		h := d.create("descriptor set")
		d.poolSets[pool.Handle] = append(d.poolSets[pool.Handle], h)
		out = append(out, vkapi.DescriptorSet{Handle: h})
	}
	return out, nil
}

func (d *Device) WriteUniformBuffer(set vkapi.DescriptorSet, binding int, buf vkapi.Buffer, offset, size int) error {
	if !d.check(set.Handle, "descriptor set") || !d.check(buf.Handle, "buffer") {
		return errors.New("vkapitest: unknown set or buffer")
	}
	if d.buffers[buf.Handle].usage&core1_0.BufferUsageUniformBuffer == 0 {
		d.rec.violate("descriptor written with a buffer lacking uniform usage")
	}
	d.UniformBindings[set] = buf
	return nil
}

func (d *Device) CreateShaderModule(code []uint32) (vkapi.ShaderModule, error) {
	if len(code) == 0 || code[0] != SPIRVMagic {
		return vkapi.ShaderModule{}, errors.New("vkapitest: invalid SPIR-V")
	}
	return vkapi.ShaderModule{Handle: d.create("shader module")}, nil
}

func (d *Device) DestroyShaderModule(module vkapi.ShaderModule) {
	d.destroy(module.Handle, "shader module")
}

func (d *Device) CreatePipelineLayout(layouts ...vkapi.DescriptorSetLayout) (vkapi.PipelineLayout, error) {
	for _, l := range layouts {
		if !d.check(l.Handle, "descriptor set layout") {
			return vkapi.PipelineLayout{}, errors.New("vkapitest: unknown layout")
		}
	}
	return vkapi.PipelineLayout{Handle: d.create("pipeline layout")}, nil
}

func (d *Device) DestroyPipelineLayout(layout vkapi.PipelineLayout) {
	d.destroy(layout.Handle, "pipeline layout")
}

func (d *Device) CreateGraphicsPipeline(info vkapi.GraphicsPipelineInfo) (vkapi.Pipeline, error) {
	if !d.check(info.Vertex.Handle, "shader module") || !d.check(info.Fragment.Handle, "shader module") || !d.check(info.Layout.Handle, "pipeline layout") {
		return vkapi.Pipeline{}, errors.New("vkapitest: unknown pipeline input")
	}
	p := vkapi.Pipeline{Handle: d.create("pipeline")}
	d.Pipelines[p] = info
	return p, nil
}

func (d *Device) DestroyPipeline(pipeline vkapi.Pipeline) {
	if d.destroy(pipeline.Handle, "pipeline") {
		delete(d.Pipelines, pipeline)
	}
}

func (d *Device) CmdPipelineBarrier(b vkapi.CommandBuffer, barrier vkapi.ImageBarrier) error {
	cb := d.recording(b)
	if cb == nil {
		return errors.New("vkapitest: command buffer not recording")
	}
	i, ok := d.images[barrier.Image.Handle]
	if !ok {
		d.rec.violate("barrier on unknown image %d", barrier.Image.Handle)
		return errors.New("vkapitest: unknown image")
	}
	if barrier.OldLayout != core1_0.ImageLayoutUndefined && barrier.OldLayout != i.layout {
		d.rec.violate("barrier from layout %d on an image in layout %d", barrier.OldLayout, i.layout)
	}
	// Layouts are tracked at record time; the renderer records and submits
	// in order.
	i.layout = barrier.NewLayout
	return nil
}

func (d *Device) CmdBeginRendering(b vkapi.CommandBuffer, info vkapi.RenderingInfo) error {
	cb := d.recording(b)
	if cb == nil {
		return errors.New("vkapitest: command buffer not recording")
	}
	if cb.rendering {
		d.rec.violate("rendering begun twice")
	}
	d.check(info.ColorView.Handle, "image view")
	if info.DepthView.Initialized() {
		d.check(info.DepthView.Handle, "image view")
	}
	if img, ok := d.images[d.views[info.ColorView.Handle]]; ok && img.layout != core1_0.ImageLayoutColorAttachmentOptimal {
		d.rec.violate("rendering into a color image in layout %d", img.layout)
	}
	cb.rendering = true
	d.Rendering = append(d.Rendering, info)
	return nil
}

func (d *Device) CmdEndRendering(b vkapi.CommandBuffer) {
	cb := d.recording(b)
	if cb == nil {
		return
	}
	if !cb.rendering {
		d.rec.violate("rendering ended without being begun")
	}
	cb.rendering = false
}

func (d *Device) rendering(b vkapi.CommandBuffer) *commandBuffer {
	cb := d.recording(b)
	if cb != nil && !cb.rendering {
		d.rec.violate("draw state recorded outside rendering")
	}
	return cb
}

func (d *Device) CmdBindPipeline(b vkapi.CommandBuffer, pipeline vkapi.Pipeline) {
	d.rendering(b)
	d.check(pipeline.Handle, "pipeline")
}

func (d *Device) CmdBindDescriptorSet(b vkapi.CommandBuffer, layout vkapi.PipelineLayout, set vkapi.DescriptorSet) {
	d.rendering(b)
	d.check(layout.Handle, "pipeline layout")
	d.check(set.Handle, "descriptor set")
}

func (d *Device) CmdBindVertexBuffer(b vkapi.CommandBuffer, vertices vkapi.Buffer) {
	d.rendering(b)
	d.check(vertices.Handle, "buffer")
}

func (d *Device) CmdBindIndexBuffer(b vkapi.CommandBuffer, indices vkapi.Buffer) {
	d.rendering(b)
	d.check(indices.Handle, "buffer")
}

func (d *Device) CmdDrawIndexed(b vkapi.CommandBuffer, indexCount int) {
	if d.rendering(b) != nil {
		d.Draws++
	}
}

func (d *Device) CmdCopyBuffer(b vkapi.CommandBuffer, src, dst vkapi.Buffer, size int) error {
	cb := d.recording(b)
	if cb == nil {
		return errors.New("vkapitest: command buffer not recording")
	}
	if !d.check(src.Handle, "buffer") || !d.check(dst.Handle, "buffer") {
		return errors.New("vkapitest: unknown buffer")
	}
	if size > d.buffers[src.Handle].size || size > d.buffers[dst.Handle].size {
		d.rec.violate("copy of %d bytes overflows a buffer", size)
		return errors.New("vkapitest: copy out of range")
	}
	cb.ops = append(cb.ops, func() {
		copy(d.BufferContents(dst)[:size], d.BufferContents(src)[:size])
		d.Copies++
	})
	return nil
}

func (d *Device) CmdCopyBufferToImage(b vkapi.CommandBuffer, src vkapi.Buffer, dst vkapi.Image, extent vkapi.Extent) error {
	cb := d.recording(b)
	if cb == nil {
		return errors.New("vkapitest: command buffer not recording")
	}
	i, ok := d.images[dst.Handle]
	if !ok || !d.check(src.Handle, "buffer") {
		return errors.New("vkapitest: unknown copy operand")
	}
	if i.layout != core1_0.ImageLayoutTransferDstOptimal {
		d.rec.violate("copy into an image in layout %d", i.layout)
	}
	cb.ops = append(cb.ops, func() { d.Copies++ })
	return nil
}

// Destroy reports every object still alive.
func (d *Device) Destroy() {
	if d.destroyed {
		d.rec.violate("device destroyed twice")
		return
	}
	if len(d.live) > 0 {
		kinds := make(map[string]int)
		for _, k := range d.live {
			kinds[k]++
		}
		var names []string
		for k, n := range kinds {
			names = append(names, fmt.Sprintf("%s×%d", k, n))
		}
		sort.Strings(names)
		d.rec.violate("device destroyed with live objects: %s", strings.Join(names, ", "))
	}
	d.host.release()
	d.destroyed = true
	d.rec.event("destroy device")
}
