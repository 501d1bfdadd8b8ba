// Package vkapitest provides an in-memory implementation of the vkapi
// interfaces. It simulates GPUs, fences, swapchains and host visible
// memory closely enough to check ordering and synchronization rules, and
// records every violation it detects instead of crashing.
package vkapitest

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// Recorder collects lifecycle events and rule violations from every
// object created through a Loader.
type Recorder struct {
	mu         sync.Mutex
	events     []string
	violations []string
}

func (r *Recorder) event(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *Recorder) violate(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, fmt.Sprintf(format, args...))
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Violations returns a copy of the recorded violations.
func (r *Recorder) Violations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.violations...)
}

// Reset clears events and violations.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.violations = nil
}

// GPU describes one simulated physical device.
type GPU struct {
	Properties vkapi.DeviceProperties
	Memory     vkapi.MemoryProperties
	Families   []vkapi.QueueFamily
	// PresentFamilies lists the families that can present. Nil means all
	// of them can.
	PresentFamilies []int
	Extensions      []string
	Formats         []khr_surface.SurfaceFormat
	PresentModes    []khr_surface.PresentMode
	Capabilities    vkapi.SurfaceCapabilities
	// CapabilitiesErr makes surface capability queries fail.
	CapabilitiesErr error
	FormatFeatures  map[core1_0.Format]vkapi.FormatFeatures
}

// NewGPU returns a capable GPU with one graphics+compute family, a
// device-local heap of heapSize bytes and a host visible heap.
func NewGPU(name string, kind vkapi.DeviceType, heapSize int) *GPU {
	return &GPU{
		Properties: vkapi.DeviceProperties{
			Name:        name,
			Type:        kind,
			VendorID:    0x10de,
			DeviceID:    0x1234,
			MaxViewport: [2]int{16384, 16384},
		},
		Memory: vkapi.MemoryProperties{
			Types: []vkapi.MemoryType{
				{Flags: core1_0.MemoryPropertyDeviceLocal, Heap: 0},
				{Flags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, Heap: 1},
			},
			Heaps: []vkapi.MemoryHeap{
				{Size: heapSize, DeviceLocal: true},
				{Size: 64 << 20},
			},
		},
		Families: []vkapi.QueueFamily{
			{Flags: core1_0.QueueGraphics | core1_0.QueueCompute | core1_0.QueueTransfer, Count: 1},
		},
		Extensions: []string{khr_swapchain.ExtensionName},
		Formats: []khr_surface.SurfaceFormat{
			{Format: core1_0.FormatB8G8R8A8SRGB, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear},
		},
		PresentModes: []khr_surface.PresentMode{khr_surface.PresentModeFIFO, khr_surface.PresentModeMailbox},
		Capabilities: vkapi.SurfaceCapabilities{
			MinImageCount: 2,
			MaxImageCount: 8,
			CurrentExtent: vkapi.Extent{Width: -1, Height: -1},
			MinExtent:     vkapi.Extent{Width: 1, Height: 1},
			MaxExtent:     vkapi.Extent{Width: 16384, Height: 16384},
		},
		FormatFeatures: map[core1_0.Format]vkapi.FormatFeatures{
			core1_0.FormatD32SignedFloat: {Optimal: core1_0.FormatFeatureDepthStencilAttachment},
		},
	}
}

// Loader is a simulated Vulkan loader.
type Loader struct {
	GPUs       []*GPU
	Extensions []string
	Layers     []string
	// Created lists the info of every successful CreateInstance call.
	Created []vkapi.InstanceInfo
	// Attempts counts CreateInstance calls, failed ones included.
	Attempts int

	Recorder *Recorder

	instance *Instance
}

var _ vkapi.Loader = (*Loader)(nil)

// NewLoader returns a loader exposing gpus, the surface and debug utils
// extensions and the validation layer.
func NewLoader(gpus ...*GPU) *Loader {
	return &Loader{
		GPUs:       gpus,
		Extensions: []string{khr_surface.ExtensionName, ext_debug_utils.ExtensionName, "VK_KHR_xlib_surface"},
		Layers:     []string{vkapi.ValidationLayer},
		Recorder:   &Recorder{},
	}
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func (l *Loader) AvailableExtensions() (map[string]struct{}, error) {
	return toSet(l.Extensions), nil
}

func (l *Loader) AvailableLayers() (map[string]struct{}, error) {
	return toSet(l.Layers), nil
}

func (l *Loader) CreateInstance(info vkapi.InstanceInfo) (vkapi.Instance, error) {
	l.Attempts++
	layers := toSet(l.Layers)
	for _, layer := range info.Layers {
		if _, ok := layers[layer]; !ok {
			return nil, errors.Wrapf(vkapi.ErrLayerNotPresent, "layer %s", layer)
		}
	}
	extensions := toSet(l.Extensions)
	for _, ext := range info.Extensions {
		if _, ok := extensions[ext]; !ok {
			return nil, errors.Wrapf(vkapi.ErrExtensionNotPresent, "instance extension %s", ext)
		}
	}
	if l.instance != nil && !l.instance.destroyed {
		l.Recorder.violate("instance created while another instance is live")
	}
	l.Created = append(l.Created, info)
	l.Recorder.event("create instance")
	l.instance = &Instance{
		loader:   l,
		rec:      l.Recorder,
		info:     info,
		surfaces: make(map[vkapi.Handle]bool),
		host:     hostMemory{alloc: info.Allocator, rec: l.Recorder},
	}
	l.instance.host.take(instanceHostBytes, vkapi.ScopeInstance)
	l.instance.host.grow(2*instanceHostBytes, vkapi.ScopeInstance)
	return l.instance, nil
}

// Instance returns the most recently created instance.
func (l *Loader) Instance() *Instance {
	return l.instance
}

// Instance is a simulated instance.
type Instance struct {
	loader    *Loader
	rec       *Recorder
	info      vkapi.InstanceInfo
	surfaces  map[vkapi.Handle]bool
	devices   []*Device
	next      vkapi.Handle
	host      hostMemory
	destroyed bool
}

var _ vkapi.Instance = (*Instance)(nil)

// Info returns the info the instance was created with.
func (i *Instance) Info() vkapi.InstanceInfo {
	return i.info
}

// Device returns the most recently created device.
func (i *Instance) Device() *Device {
	if len(i.devices) == 0 {
		return nil
	}
	return i.devices[len(i.devices)-1]
}

// Debug delivers a validation message to the installed callback.
func (i *Instance) Debug(severity vkapi.DebugSeverity, message string) {
	if i.info.Debug != nil {
		i.info.Debug(severity, message)
	}
}

// NewSurface creates a surface owned by the instance.
func (i *Instance) NewSurface() vkapi.Surface {
	i.next++
	h := 1<<40 | i.next
	i.surfaces[h] = true
	i.rec.event("create surface")
	return vkapi.Surface{Handle: h}
}

func physicalHandle(index int) vkapi.Handle {
	return vkapi.Handle(1<<32 | index)
}

func (i *Instance) gpu(pd vkapi.PhysicalDevice) *GPU {
	index := int(pd.Handle &^ (1 << 32))
	if pd.Handle&(1<<32) == 0 || index >= len(i.loader.GPUs) {
		i.rec.violate("unknown physical device %d", pd.Handle)
		return &GPU{}
	}
	return i.loader.GPUs[index]
}

func (i *Instance) PhysicalDevices() ([]vkapi.PhysicalDevice, error) {
	out := make([]vkapi.PhysicalDevice, 0, len(i.loader.GPUs))
	for index := range i.loader.GPUs {
		out = append(out, vkapi.PhysicalDevice{Handle: physicalHandle(index)})
	}
	return out, nil
}

func (i *Instance) Properties(pd vkapi.PhysicalDevice) (vkapi.DeviceProperties, error) {
	return i.gpu(pd).Properties, nil
}

func (i *Instance) MemoryProperties(pd vkapi.PhysicalDevice) vkapi.MemoryProperties {
	return i.gpu(pd).Memory
}

func (i *Instance) QueueFamilies(pd vkapi.PhysicalDevice) []vkapi.QueueFamily {
	return i.gpu(pd).Families
}

func (i *Instance) DeviceExtensions(pd vkapi.PhysicalDevice) (map[string]struct{}, error) {
	return toSet(i.gpu(pd).Extensions), nil
}

func (i *Instance) FormatFeatures(pd vkapi.PhysicalDevice, format core1_0.Format) vkapi.FormatFeatures {
	return i.gpu(pd).FormatFeatures[format]
}

func (i *Instance) checkSurface(surface vkapi.Surface) error {
	if !i.surfaces[surface.Handle] {
		i.rec.violate("use of unknown surface %d", surface.Handle)
		return errors.New("vkapitest: unknown surface")
	}
	return nil
}

func (i *Instance) SurfaceSupport(pd vkapi.PhysicalDevice, surface vkapi.Surface, family int) (bool, error) {
	if err := i.checkSurface(surface); err != nil {
		return false, err
	}
	gpu := i.gpu(pd)
	if gpu.PresentFamilies == nil {
		return family < len(gpu.Families), nil
	}
	for _, f := range gpu.PresentFamilies {
		if f == family {
			return true, nil
		}
	}
	return false, nil
}

func (i *Instance) SurfaceCapabilities(pd vkapi.PhysicalDevice, surface vkapi.Surface) (vkapi.SurfaceCapabilities, error) {
	if err := i.checkSurface(surface); err != nil {
		return vkapi.SurfaceCapabilities{}, err
	}
	gpu := i.gpu(pd)
	if gpu.CapabilitiesErr != nil {
		return vkapi.SurfaceCapabilities{}, gpu.CapabilitiesErr
	}
	return gpu.Capabilities, nil
}

func (i *Instance) SurfaceFormats(pd vkapi.PhysicalDevice, surface vkapi.Surface) ([]khr_surface.SurfaceFormat, error) {
	if err := i.checkSurface(surface); err != nil {
		return nil, err
	}
	return i.gpu(pd).Formats, nil
}

func (i *Instance) PresentModes(pd vkapi.PhysicalDevice, surface vkapi.Surface) ([]khr_surface.PresentMode, error) {
	if err := i.checkSurface(surface); err != nil {
		return nil, err
	}
	return i.gpu(pd).PresentModes, nil
}

func (i *Instance) DestroySurface(surface vkapi.Surface) {
	if !i.surfaces[surface.Handle] {
		i.rec.violate("destroy of unknown surface %d", surface.Handle)
		return
	}
	for _, d := range i.devices {
		if !d.destroyed {
			i.rec.violate("surface destroyed while a device is live")
		}
	}
	delete(i.surfaces, surface.Handle)
	i.rec.event("destroy surface")
}

func (i *Instance) CreateDevice(pd vkapi.PhysicalDevice, info vkapi.DeviceInfo) (vkapi.Device, error) {
	gpu := i.gpu(pd)
	available := toSet(gpu.Extensions)
	for _, ext := range info.Extensions {
		if _, ok := available[ext]; !ok {
			return nil, errors.Wrapf(vkapi.ErrExtensionNotPresent, "device extension %s", ext)
		}
	}
	for _, family := range info.QueueFamilies {
		if family < 0 || family >= len(gpu.Families) {
			return nil, errors.Newf("vkapitest: queue family %d out of range", family)
		}
	}
	d := newDevice(gpu, i.rec, info)
	d.host = hostMemory{alloc: i.info.Allocator, rec: i.rec}
	d.host.take(deviceHostBytes, vkapi.ScopeDevice)
	i.devices = append(i.devices, d)
	i.rec.event("create device")
	return d, nil
}

func (i *Instance) Destroy() {
	if i.destroyed {
		i.rec.violate("instance destroyed twice")
		return
	}
	if len(i.surfaces) > 0 {
		i.rec.violate("instance destroyed with %d live surfaces", len(i.surfaces))
	}
	for _, d := range i.devices {
		if !d.destroyed {
			i.rec.violate("instance destroyed while a device is live")
		}
	}
	i.host.release()
	i.destroyed = true
	i.rec.event("destroy instance")
}

// Window is a simulated window that creates surfaces on an Instance.
type Window struct {
	Width, Height int
	Extensions    []string
	Pending       backend.WindowEvents
}

var (
	_ backend.Window      = (*Window)(nil)
	_ vkapi.SurfaceSource = (*Window)(nil)
)

// NewWindow returns a focused window of the given size.
func NewWindow(width, height int) *Window {
	return &Window{
		Width:      width,
		Height:     height,
		Extensions: []string{khr_surface.ExtensionName, "VK_KHR_xlib_surface"},
		Pending:    backend.WindowEvents{Focused: true},
	}
}

// Resize changes the size and raises the resized event.
func (w *Window) Resize(width, height int) {
	w.Width, w.Height = width, height
	w.Pending.Resized = true
}

func (w *Window) Size() (int, int) { return w.Width, w.Height }

func (w *Window) Poll() backend.WindowEvents {
	ev := w.Pending
	w.Pending.Resized = false
	w.Pending.Closed = false
	return ev
}

func (w *Window) RequiredInstanceExtensions() []string {
	return w.Extensions
}

func (w *Window) CreateSurface(instance vkapi.Instance) (vkapi.Surface, error) {
	fake, ok := instance.(*Instance)
	if !ok {
		return vkapi.Surface{}, errors.Newf("vkapitest: cannot create a surface for %T", instance)
	}
	return fake.NewSurface(), nil
}
