package vulkan

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/hostalloc"
	"github.com/vkngwrapper/rendercore/internal/memory"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// frameSlot holds the per-frame resources used round robin.
type frameSlot struct {
	fence    vkapi.Fence
	acquired vkapi.Semaphore
	rendered vkapi.Semaphore
	commands vkapi.CommandBuffer
	set      vkapi.DescriptorSet
	uniforms *gpuBuffer
}

type teardownStep struct {
	name    string
	destroy func()
}

// renderContext is everything created by Initialize. Objects are destroyed
// by running steps backwards, so the creation order in initialize is the
// reverse of the destruction order.
type renderContext struct {
	cfg   *config
	log   *slog.Logger
	stats *backend.FrameStats
	win   backend.Window

	instance      vkapi.Instance
	surface       vkapi.Surface
	physical      deviceDescriptor
	device        vkapi.Device
	graphicsQueue vkapi.Queue
	presentQueue  vkapi.Queue

	memory        *memory.Allocator
	host          *hostalloc.Allocator
	mainPool      vkapi.CommandPool
	transientPool vkapi.CommandPool
	slots         [framesInFlight]frameSlot

	chain       *chain
	depthFormat core1_0.Format
	depth       *gpuImage
	binder      binder

	shaders  map[uuid.UUID]*shader
	textures map[uuid.UUID]*gpuImage
	models   map[uuid.UUID]*model

	steps []teardownStep

	slot          int
	image         int
	inFrame       bool
	recording     bool
	pendingResize bool
	skipFrame     bool
	stale         bool
	frameStart    time.Duration
}

func (c *renderContext) push(name string, destroy func()) {
	c.steps = append(c.steps, teardownStep{name: name, destroy: destroy})
}

func (c *renderContext) teardown() {
	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		c.log.Debug("destroying", "step", step.name)
		step.destroy()
	}
	c.steps = nil
}

func (b *Backend) initialize(win backend.Window) (*renderContext, error) {
	source, ok := win.(vkapi.SurfaceSource)
	if !ok {
		return nil, errors.Wrapf(backend.ErrUnsupported, "window %T cannot create Vulkan surfaces", win)
	}
	loader := b.cfg.loader
	if loader == nil {
		ls, ok := win.(LoaderSource)
		if !ok {
			return nil, errors.Wrap(backend.ErrUnsupported, "no Vulkan loader configured")
		}
		var err error
		if loader, err = ls.VulkanLoader(); err != nil {
			return nil, errors.Wrap(err, "loading Vulkan")
		}
	}

	c := &renderContext{
		cfg:      &b.cfg,
		log:      b.cfg.log(),
		stats:    &b.stats,
		win:      win,
		shaders:  make(map[uuid.UUID]*shader),
		textures: make(map[uuid.UUID]*gpuImage),
		models:   make(map[uuid.UUID]*model),
	}
	done := false
	defer func() {
		if !done {
			c.teardown()
		}
	}()

	if err := c.createHostAllocator(); err != nil {
		return nil, err
	}
	if err := c.createInstance(loader); err != nil {
		return nil, err
	}

	surface, err := source.CreateSurface(c.instance)
	if err != nil {
		return nil, errors.Wrap(err, "creating surface")
	}
	c.surface = surface
	c.push("surface", func() { c.instance.DestroySurface(c.surface) })

	devices, err := enumerate(c.instance, c.surface, c.log)
	if err != nil {
		return nil, err
	}
	b.devices = devices
	if b.deviceIndex >= len(devices) {
		c.log.Warn("selected device is gone, using the best device", "index", b.deviceIndex, "devices", len(devices))
		b.deviceIndex = 0
	}
	c.physical = devices[b.deviceIndex]
	c.log.Info("using device",
		"index", b.deviceIndex,
		"name", c.physical.props.Name,
		"type", c.physical.props.Type.String(),
		"vendor", c.physical.props.VendorID,
		"device", c.physical.props.DeviceID,
		"score", c.physical.score)

	steps := []func() error{
		c.createDevice,
		c.createMemoryManager,
		c.createCommandPools,
		c.createSyncObjects,
		c.createChain,
		c.createRenderTargets,
		c.createBinder,
		c.trackResources,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	done = true
	return c, nil
}

// createHostAllocator builds the allocator the driver uses for host
// memory. It outlives the instance.
func (c *renderContext) createHostAllocator() error {
	if c.cfg.driverAlloc {
		return nil
	}
	host, err := hostalloc.New(hostalloc.Options{Logger: c.log})
	if err != nil {
		return errors.Wrap(err, "creating host allocator")
	}
	c.host = host
	c.push("host allocator", func() {
		stats := c.host.Stats()
		if err := c.host.Close(); err != nil {
			c.log.Warn("host memory leaked", "err", err)
		}
		c.log.Debug("host allocator destroyed",
			"allocations", stats.Allocations,
			"peak", stats.PeakBytes,
			"invalid", stats.Invalid)
	})
	return nil
}

func (c *renderContext) createInstance(loader vkapi.Loader) error {
	available, err := loader.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "enumerating instance extensions")
	}

	info := vkapi.InstanceInfo{
		ApplicationName: c.cfg.applicationName,
		EngineName:      "rendercore",
		Extensions:      append([]string(nil), c.win.RequiredInstanceExtensions()...),
	}
	if c.host != nil {
		info.Allocator = c.host
	}
	if c.cfg.validation {
		info.Layers = []string{vkapi.ValidationLayer}
		if _, ok := available[ext_debug_utils.ExtensionName]; ok {
			info.Extensions = append(info.Extensions, ext_debug_utils.ExtensionName)
			info.Debug = c.logValidation
		}
	}

	instance, err := loader.CreateInstance(info)
	if errors.Is(err, vkapi.ErrLayerNotPresent) {
		c.log.Warn("validation layer not present, continuing without it", "err", err)
		info.Layers = nil
		instance, err = loader.CreateInstance(info)
	}
	if err != nil {
		return errors.Wrap(err, "creating instance")
	}
	c.instance = instance
	c.push("instance", instance.Destroy)
	return nil
}

// logValidation logs validation messages one level below their reported
// severity; validation errors do not stop the renderer.
func (c *renderContext) logValidation(severity vkapi.DebugSeverity, message string) {
	switch severity {
	case vkapi.DebugError:
		c.log.Warn(message, "source", "validation")
	case vkapi.DebugWarning:
		c.log.Info(message, "source", "validation")
	default:
		c.log.Debug(message, "source", "validation")
	}
}

func (c *renderContext) createDevice() error {
	device, err := c.instance.CreateDevice(c.physical.physical, vkapi.DeviceInfo{
		QueueFamilies: c.physical.families(),
		Extensions:    requiredDeviceExtensions,
	})
	if err != nil {
		return errors.Wrapf(err, "creating device on %s", c.physical.props.Name)
	}
	c.device = device
	c.graphicsQueue = device.Queue(c.physical.graphicsFamily)
	c.presentQueue = device.Queue(c.physical.presentFamily)
	c.push("device", device.Destroy)
	return nil
}

func (c *renderContext) createMemoryManager() error {
	c.memory = memory.New(c.device, c.physical.memory, memory.CreateOptions{
		PreferredLargeHeapBlockSize: c.cfg.blockSize,
		Logger:                      c.log,
	})
	c.push("memory manager", func() {
		stats := c.memory.Stats()
		if err := c.memory.Destroy(); err != nil {
			c.log.Warn("device memory leaked", "err", err)
		}
		c.log.Debug("memory manager destroyed", "blocks", stats.Blocks, "dedicated", stats.Dedicated)
	})
	return nil
}

func (c *renderContext) createCommandPools() error {
	family := c.physical.graphicsFamily

	pool, err := c.device.CreateCommandPool(vkapi.CommandPoolInfo{Family: family, Resettable: true})
	if err != nil {
		return errors.Wrap(err, "creating command pool")
	}
	c.mainPool = pool
	var buffers []vkapi.CommandBuffer
	c.push("main command pool", func() {
		if len(buffers) > 0 {
			c.device.FreeCommandBuffers(c.mainPool, buffers...)
		}
		c.device.DestroyCommandPool(c.mainPool)
	})

	buffers, err = c.device.AllocateCommandBuffers(pool, framesInFlight)
	if err != nil {
		return errors.Wrap(err, "allocating frame command buffers")
	}
	for i := range c.slots {
		c.slots[i].commands = buffers[i]
	}

	transient, err := c.device.CreateCommandPool(vkapi.CommandPoolInfo{Family: family, Transient: true})
	if err != nil {
		return errors.Wrap(err, "creating transient command pool")
	}
	c.transientPool = transient
	c.push("transient command pool", func() { c.device.DestroyCommandPool(c.transientPool) })
	return nil
}

func (c *renderContext) createSyncObjects() error {
	c.push("fences", func() {
		for i := range c.slots {
			if c.slots[i].fence.Initialized() {
				c.device.DestroyFence(c.slots[i].fence)
			}
		}
	})
	for i := range c.slots {
		// Signaled so that the first wait on each slot returns at once.
		fence, err := c.device.CreateFence(true)
		if err != nil {
			return errors.Wrap(err, "creating frame fence")
		}
		c.slots[i].fence = fence
	}

	c.push("semaphores", func() {
		for i := range c.slots {
			if c.slots[i].acquired.Initialized() {
				c.device.DestroySemaphore(c.slots[i].acquired)
			}
			if c.slots[i].rendered.Initialized() {
				c.device.DestroySemaphore(c.slots[i].rendered)
			}
		}
	})
	for i := range c.slots {
		var err error
		if c.slots[i].acquired, err = c.device.CreateSemaphore(); err != nil {
			return errors.Wrap(err, "creating acquire semaphore")
		}
		if c.slots[i].rendered, err = c.device.CreateSemaphore(); err != nil {
			return errors.Wrap(err, "creating render semaphore")
		}
	}
	return nil
}

// trackResources registers the teardown of engine resources, which are
// created after initialization and destroyed before anything else.
func (c *renderContext) trackResources() error {
	c.push("resources", func() {
		for id, m := range c.models {
			c.destroyModel(m)
			delete(c.models, id)
		}
		for id, t := range c.textures {
			c.destroyImage(t)
			delete(c.textures, id)
		}
		for id, s := range c.shaders {
			c.destroyShader(s)
			delete(c.shaders, id)
		}
	})
	return nil
}
