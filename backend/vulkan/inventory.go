package vulkan

import (
	"log/slog"
	"sort"

	"github.com/cockroachdb/errors"
	gu "github.com/docker/go-units"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

var requiredDeviceExtensions = []string{khr_swapchain.ExtensionName}

// deviceDescriptor is a ranked physical device that satisfies every hard
// requirement of the renderer.
type deviceDescriptor struct {
	physical     vkapi.PhysicalDevice
	props        vkapi.DeviceProperties
	memory       vkapi.MemoryProperties
	capabilities vkapi.SurfaceCapabilities
	formats      []khr_surface.SurfaceFormat
	presentModes []khr_surface.PresentMode

	graphicsFamily int
	presentFamily  int

	heapBytes int
	score     uint64
}

// families returns the distinct queue families the device needs.
func (d deviceDescriptor) families() []int {
	if d.graphicsFamily == d.presentFamily {
		return []int{d.graphicsFamily}
	}
	return []int{d.graphicsFamily, d.presentFamily}
}

func (d deviceDescriptor) info(index int) backend.DeviceInfo {
	return backend.DeviceInfo{
		Index:     index,
		Name:      d.props.Name,
		Type:      d.props.Type.String(),
		VendorID:  d.props.VendorID,
		DeviceID:  d.props.DeviceID,
		HeapBytes: int64(d.heapBytes),
		Score:     d.score,
	}
}

func largestHeap(mem vkapi.MemoryProperties) int {
	largest := 0
	for _, heap := range mem.Heaps {
		largest = max(largest, heap.Size)
	}
	return largest
}

// score weighs the largest heap and the viewport area, then favors
// discrete and virtual GPUs over integrated ones.
func score(props vkapi.DeviceProperties, mem vkapi.MemoryProperties) uint64 {
	s := uint64(largestHeap(mem)) / 1000
	s += uint64(props.MaxViewport[0]) * uint64(props.MaxViewport[1]) / 1000
	switch props.Type {
	case vkapi.DeviceTypeDiscreteGPU, vkapi.DeviceTypeVirtualGPU:
		s *= 10
	case vkapi.DeviceTypeIntegratedGPU:
		s *= 2
	}
	return s
}

// enumerate returns the devices usable with surface, best first. Devices
// missing a hard requirement are logged and skipped. No usable device is
// an error wrapping backend.ErrNoDevice.
func enumerate(instance vkapi.Instance, surface vkapi.Surface, log *slog.Logger) ([]deviceDescriptor, error) {
	physical, err := instance.PhysicalDevices()
	if err != nil {
		return nil, errors.Wrap(err, "enumerating physical devices")
	}

	var devices []deviceDescriptor
	for _, pd := range physical {
		d, reason, err := describe(instance, surface, pd)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			log.Warn("skipping device", "name", d.props.Name, "reason", reason)
			continue
		}
		log.Debug("device found",
			"name", d.props.Name,
			"type", d.props.Type.String(),
			"heap", gu.BytesSize(float64(d.heapBytes)),
			"score", d.score)
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, errors.Wrapf(backend.ErrNoDevice, "%d devices enumerated", len(physical))
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].score > devices[j].score
	})
	return devices, nil
}

// describe builds the descriptor of pd. A non-empty reason means pd does
// not meet the requirements.
func describe(instance vkapi.Instance, surface vkapi.Surface, pd vkapi.PhysicalDevice) (deviceDescriptor, string, error) {
	d := deviceDescriptor{physical: pd, graphicsFamily: -1, presentFamily: -1}

	props, err := instance.Properties(pd)
	if err != nil {
		return d, "", errors.Wrap(err, "reading device properties")
	}
	d.props = props

	families := instance.QueueFamilies(pd)
	if len(families) == 0 {
		return d, "no queue families", nil
	}
	for index, family := range families {
		if family.Count < 1 {
			continue
		}
		if d.graphicsFamily < 0 && family.Flags&core1_0.QueueGraphics != 0 {
			d.graphicsFamily = index
		}
		if d.presentFamily < 0 && family.Flags&core1_0.QueueCompute != 0 {
			supported, err := instance.SurfaceSupport(pd, surface, index)
			if err != nil {
				return d, "", errors.Wrapf(err, "querying surface support of %s", props.Name)
			}
			if supported {
				d.presentFamily = index
			}
		}
	}
	if d.graphicsFamily < 0 {
		return d, "no graphics queue family", nil
	}
	if d.presentFamily < 0 {
		return d, "no compute queue family that can present", nil
	}

	extensions, err := instance.DeviceExtensions(pd)
	if err != nil {
		return d, "", errors.Wrapf(err, "enumerating extensions of %s", props.Name)
	}
	for _, ext := range requiredDeviceExtensions {
		if _, ok := extensions[ext]; !ok {
			return d, "missing extension " + ext, nil
		}
	}

	d.capabilities, err = instance.SurfaceCapabilities(pd, surface)
	if err != nil {
		return d, "no surface capabilities: " + err.Error(), nil
	}
	if d.formats, err = instance.SurfaceFormats(pd, surface); err != nil || len(d.formats) == 0 {
		return d, "no surface formats", nil
	}
	if d.presentModes, err = instance.PresentModes(pd, surface); err != nil || len(d.presentModes) == 0 {
		return d, "no present modes", nil
	}

	d.memory = instance.MemoryProperties(pd)
	d.heapBytes = largestHeap(d.memory)
	d.score = score(props, d.memory)
	return d, "", nil
}
