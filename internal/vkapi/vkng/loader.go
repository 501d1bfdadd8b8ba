// Package vkng implements the vkapi boundary on top of vkngwrapper.
package vkng

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// Loader opens Vulkan through a vkGetInstanceProcAddr pointer supplied by
// the windowing layer.
type Loader struct {
	global core1_0.GlobalDriver
}

var _ vkapi.Loader = (*Loader)(nil)

// NewLoader creates a loader from a vkGetInstanceProcAddr function pointer.
func NewLoader(procAddr unsafe.Pointer) (*Loader, error) {
	if procAddr == nil {
		return nil, errors.New("vkng: nil vkGetInstanceProcAddr")
	}
	global, err := core.CreateDriverFromProcAddr(procAddr)
	if err != nil {
		return nil, errors.Wrap(err, "vkng: load driver")
	}
	return &Loader{global: global}, nil
}

func (l *Loader) AvailableExtensions() (map[string]struct{}, error) {
	extensions, _, err := l.global.AvailableExtensions()
	if err != nil {
		return nil, errors.Wrap(err, "vkng: enumerate instance extensions")
	}
	out := make(map[string]struct{}, len(extensions))
	for name := range extensions {
		out[name] = struct{}{}
	}
	return out, nil
}

func (l *Loader) AvailableLayers() (map[string]struct{}, error) {
	layers, _, err := l.global.AvailableLayers()
	if err != nil {
		return nil, errors.Wrap(err, "vkng: enumerate layers")
	}
	out := make(map[string]struct{}, len(layers))
	for name := range layers {
		out[name] = struct{}{}
	}
	return out, nil
}

// CreateInstance creates the instance, the surface extension driver and,
// when info.Debug is set, a debug messenger. Missing layers are reported
// as vkapi.ErrLayerNotPresent before the driver is called.
func (l *Loader) CreateInstance(info vkapi.InstanceInfo) (vkapi.Instance, error) {
	available, err := l.AvailableExtensions()
	if err != nil {
		return nil, err
	}
	for _, ext := range info.Extensions {
		if _, ok := available[ext]; !ok {
			return nil, errors.Wrapf(vkapi.ErrExtensionNotPresent, "instance extension %s", ext)
		}
	}
	layers, err := l.AvailableLayers()
	if err != nil {
		return nil, err
	}
	for _, layer := range info.Layers {
		if _, ok := layers[layer]; !ok {
			return nil, errors.Wrapf(vkapi.ErrLayerNotPresent, "layer %s", layer)
		}
	}

	createInfo := core1_0.InstanceCreateInfo{
		ApplicationName:       info.ApplicationName,
		ApplicationVersion:    common.CreateVersion(1, 0, 0),
		EngineName:            info.EngineName,
		EngineVersion:         common.CreateVersion(1, 0, 0),
		APIVersion:            common.Vulkan1_2,
		EnabledExtensionNames: append([]string(nil), info.Extensions...),
		EnabledLayerNames:     append([]string(nil), info.Layers...),
	}

	if _, ok := available[khr_portability_enumeration.ExtensionName]; ok {
		createInfo.EnabledExtensionNames = append(createInfo.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		createInfo.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	inst := &Instance{
		physical: newTable[core1_0.PhysicalDevice](),
		surfaces: newTable[khr_surface.Surface](),
		callback: info.Debug,
		alloc:    createCallbacks(info.Allocator),
	}
	if info.Debug != nil {
		createInfo.Next = inst.messengerInfo()
	}

	instance, _, err := l.global.CreateInstance(inst.alloc, createInfo)
	if err != nil {
		inst.releaseCallbacks()
		return nil, errors.Wrap(err, "vkng: create instance")
	}
	inst.driver, err = l.global.BuildInstanceDriver(instance)
	if err != nil {
		inst.releaseCallbacks()
		return nil, errors.Wrap(err, "vkng: load instance driver")
	}
	inst.surfaceDriver = khr_surface.CreateExtensionDriverFromCoreDriver(inst.driver)

	if info.Debug != nil {
		inst.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(inst.driver)
		inst.messenger, _, err = inst.debugDriver.CreateDebugUtilsMessenger(inst.alloc, inst.messengerInfo())
		if err != nil {
			inst.Destroy()
			return nil, errors.Wrap(err, "vkng: create debug messenger")
		}
	}
	return inst, nil
}
