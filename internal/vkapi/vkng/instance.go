package vkng

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/core/v3/loader"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// Instance adapts a vkngwrapper instance driver.
type Instance struct {
	driver        core1_0.CoreInstanceDriver
	surfaceDriver khr_surface.ExtensionDriver
	debugDriver   ext_debug_utils.ExtensionDriver
	messenger     ext_debug_utils.DebugUtilsMessenger
	callback      vkapi.DebugCallback
	alloc         *loader.AllocationCallbacks

	physical table[core1_0.PhysicalDevice]
	surfaces table[khr_surface.Surface]
}

var _ vkapi.Instance = (*Instance)(nil)

// CoreInstance exposes the binding instance to surface providers.
func (i *Instance) CoreInstance() core1_0.Instance {
	return i.driver.Instance()
}

// SurfaceDriver exposes the surface extension to surface providers.
func (i *Instance) SurfaceDriver() khr_surface.ExtensionDriver {
	return i.surfaceDriver
}

// AdoptSurface takes ownership of a surface created by a surface provider.
func (i *Instance) AdoptSurface(surface khr_surface.Surface) vkapi.Surface {
	return vkapi.Surface{Handle: i.surfaces.add(surface)}
}

func (i *Instance) messengerInfo() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning | ext_debug_utils.SeverityInfo,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    i.logDebug,
	}
}

func (i *Instance) logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	if i.callback == nil || data == nil {
		return false
	}
	level := vkapi.DebugVerbose
	switch {
	case severity&ext_debug_utils.SeverityError != 0:
		level = vkapi.DebugError
	case severity&ext_debug_utils.SeverityWarning != 0:
		level = vkapi.DebugWarning
	case severity&ext_debug_utils.SeverityInfo != 0:
		level = vkapi.DebugInfo
	}
	i.callback(level, "["+msgType.String()+"] "+data.Message)
	return false
}

func (i *Instance) PhysicalDevices() ([]vkapi.PhysicalDevice, error) {
	devices, _, err := i.driver.EnumeratePhysicalDevices()
	if err != nil {
		return nil, errors.Wrap(err, "vkng: enumerate physical devices")
	}
	// Physical devices are owned by the instance, so the table is rebuilt
	// on every enumeration.
	i.physical = newTable[core1_0.PhysicalDevice]()
	out := make([]vkapi.PhysicalDevice, 0, len(devices))
	for _, device := range devices {
		out = append(out, vkapi.PhysicalDevice{Handle: i.physical.add(device)})
	}
	return out, nil
}

var deviceTypes = map[core1_0.PhysicalDeviceType]vkapi.DeviceType{
	core1_0.PhysicalDeviceTypeIntegratedGPU: vkapi.DeviceTypeIntegratedGPU,
	core1_0.PhysicalDeviceTypeDiscreteGPU:   vkapi.DeviceTypeDiscreteGPU,
	core1_0.PhysicalDeviceTypeVirtualGPU:    vkapi.DeviceTypeVirtualGPU,
	core1_0.PhysicalDeviceTypeCPU:           vkapi.DeviceTypeCPU,
}

func (i *Instance) Properties(pd vkapi.PhysicalDevice) (vkapi.DeviceProperties, error) {
	props, err := i.driver.GetPhysicalDeviceProperties(i.physical.get(pd.Handle))
	if err != nil {
		return vkapi.DeviceProperties{}, errors.Wrap(err, "vkng: physical device properties")
	}
	out := vkapi.DeviceProperties{
		Name:     props.DriverName,
		Type:     deviceTypes[props.DriverType],
		VendorID: props.VendorID,
		DeviceID: props.DeviceID,
	}
	if props.Limits != nil {
		out.MaxViewport = [2]int{int(props.Limits.MaxViewportDimensions[0]), int(props.Limits.MaxViewportDimensions[1])}
	}
	return out, nil
}

func (i *Instance) MemoryProperties(pd vkapi.PhysicalDevice) vkapi.MemoryProperties {
	props := i.driver.GetPhysicalDeviceMemoryProperties(i.physical.get(pd.Handle))
	var out vkapi.MemoryProperties
	for _, memoryType := range props.MemoryTypes {
		out.Types = append(out.Types, vkapi.MemoryType{
			Flags: memoryType.PropertyFlags,
			Heap:  int(memoryType.HeapIndex),
		})
	}
	for _, heap := range props.MemoryHeaps {
		out.Heaps = append(out.Heaps, vkapi.MemoryHeap{
			Size:        int(heap.Size),
			DeviceLocal: heap.Flags&core1_0.MemoryHeapDeviceLocal != 0,
		})
	}
	return out
}

func (i *Instance) QueueFamilies(pd vkapi.PhysicalDevice) []vkapi.QueueFamily {
	families := i.driver.GetPhysicalDeviceQueueFamilyProperties(i.physical.get(pd.Handle))
	out := make([]vkapi.QueueFamily, 0, len(families))
	for _, family := range families {
		out = append(out, vkapi.QueueFamily{Flags: family.QueueFlags, Count: int(family.QueueCount)})
	}
	return out
}

func (i *Instance) DeviceExtensions(pd vkapi.PhysicalDevice) (map[string]struct{}, error) {
	extensions, _, err := i.driver.EnumerateDeviceExtensionProperties(i.physical.get(pd.Handle))
	if err != nil {
		return nil, errors.Wrap(err, "vkng: enumerate device extensions")
	}
	out := make(map[string]struct{}, len(extensions))
	for name := range extensions {
		out[name] = struct{}{}
	}
	return out, nil
}

func (i *Instance) FormatFeatures(pd vkapi.PhysicalDevice, format core1_0.Format) vkapi.FormatFeatures {
	props := i.driver.GetPhysicalDeviceFormatProperties(i.physical.get(pd.Handle), format)
	return vkapi.FormatFeatures{
		Linear:  props.LinearTilingFeatures,
		Optimal: props.OptimalTilingFeatures,
	}
}

func (i *Instance) SurfaceSupport(pd vkapi.PhysicalDevice, surface vkapi.Surface, family int) (bool, error) {
	supported, _, err := i.surfaceDriver.GetPhysicalDeviceSurfaceSupport(i.surfaces.get(surface.Handle), i.physical.get(pd.Handle), family)
	if err != nil {
		return false, errors.Wrap(err, "vkng: surface support")
	}
	return supported, nil
}

func (i *Instance) capabilities(pd core1_0.PhysicalDevice, surface khr_surface.Surface) (*khr_surface.SurfaceCapabilities, error) {
	caps, _, err := i.surfaceDriver.GetPhysicalDeviceSurfaceCapabilities(surface, pd)
	if err != nil {
		return nil, errors.Wrap(err, "vkng: surface capabilities")
	}
	return caps, nil
}

func (i *Instance) SurfaceCapabilities(pd vkapi.PhysicalDevice, surface vkapi.Surface) (vkapi.SurfaceCapabilities, error) {
	caps, err := i.capabilities(i.physical.get(pd.Handle), i.surfaces.get(surface.Handle))
	if err != nil {
		return vkapi.SurfaceCapabilities{}, err
	}
	return vkapi.SurfaceCapabilities{
		MinImageCount: caps.MinImageCount,
		MaxImageCount: caps.MaxImageCount,
		CurrentExtent: vkapi.Extent{Width: caps.CurrentExtent.Width, Height: caps.CurrentExtent.Height},
		MinExtent:     vkapi.Extent{Width: caps.MinImageExtent.Width, Height: caps.MinImageExtent.Height},
		MaxExtent:     vkapi.Extent{Width: caps.MaxImageExtent.Width, Height: caps.MaxImageExtent.Height},
	}, nil
}

func (i *Instance) SurfaceFormats(pd vkapi.PhysicalDevice, surface vkapi.Surface) ([]khr_surface.SurfaceFormat, error) {
	formats, _, err := i.surfaceDriver.GetPhysicalDeviceSurfaceFormats(i.surfaces.get(surface.Handle), i.physical.get(pd.Handle))
	if err != nil {
		return nil, errors.Wrap(err, "vkng: surface formats")
	}
	return formats, nil
}

func (i *Instance) PresentModes(pd vkapi.PhysicalDevice, surface vkapi.Surface) ([]khr_surface.PresentMode, error) {
	modes, _, err := i.surfaceDriver.GetPhysicalDeviceSurfacePresentModes(i.surfaces.get(surface.Handle), i.physical.get(pd.Handle))
	if err != nil {
		return nil, errors.Wrap(err, "vkng: present modes")
	}
	return modes, nil
}

func (i *Instance) DestroySurface(surface vkapi.Surface) {
	s, ok := i.surfaces.take(surface.Handle)
	if !ok {
		return
	}
	// Window systems create surfaces without callbacks.
	i.surfaceDriver.DestroySurface(s, nil)
}

func (i *Instance) CreateDevice(pd vkapi.PhysicalDevice, info vkapi.DeviceInfo) (vkapi.Device, error) {
	physical := i.physical.get(pd.Handle)

	queues := make([]core1_0.DeviceQueueCreateInfo, 0, len(info.QueueFamilies))
	for _, family := range info.QueueFamilies {
		queues = append(queues, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: family,
			QueuePriorities:  []float32{1.0},
		})
	}

	extensionNames := append([]string(nil), info.Extensions...)
	available, err := i.DeviceExtensions(pd)
	if err != nil {
		return nil, err
	}
	for _, ext := range extensionNames {
		if _, ok := available[ext]; !ok {
			return nil, errors.Wrapf(vkapi.ErrExtensionNotPresent, "device extension %s", ext)
		}
	}
	if _, ok := available[khr_portability_subset.ExtensionName]; ok {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	device, _, err := i.driver.CreateDevice(physical, i.alloc, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queues,
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkng: create device")
	}
	driver, err := i.driver.BuildDeviceDriver(device)
	if err != nil {
		return nil, errors.Wrap(err, "vkng: load device driver")
	}
	return newDevice(i, physical, driver), nil
}

func (i *Instance) Destroy() {
	if i.messenger.Initialized() {
		i.debugDriver.DestroyDebugUtilsMessenger(i.messenger, i.alloc)
		i.messenger = ext_debug_utils.DebugUtilsMessenger{}
	}
	i.driver.DestroyInstance(i.alloc)
	i.releaseCallbacks()
}

// releaseCallbacks frees the callback table once the driver no longer
// references it.
func (i *Instance) releaseCallbacks() {
	if i.alloc != nil {
		i.alloc.Destroy()
		i.alloc = nil
	}
}
