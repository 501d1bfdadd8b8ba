package vulkan

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
	"github.com/vkngwrapper/rendercore/internal/vkapi/vkapitest"
)

// recordHandler keeps every record it handles.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordHandler) find(msg string) (slog.Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		if r.Message == msg {
			return r, true
		}
	}
	return slog.Record{}, false
}

func rankedGPUs() []*vkapitest.GPU {
	integrated := vkapitest.NewGPU("Integrated", vkapi.DeviceTypeIntegratedGPU, 2<<30)
	discrete := vkapitest.NewGPU("Discrete", vkapi.DeviceTypeDiscreteGPU, 1<<30)
	noSwapchain := vkapitest.NewGPU("No Swapchain", vkapi.DeviceTypeDiscreteGPU, 8<<30)
	noSwapchain.Extensions = nil
	computeOnly := vkapitest.NewGPU("Compute Only", vkapi.DeviceTypeDiscreteGPU, 8<<30)
	computeOnly.Families = []vkapi.QueueFamily{{Flags: core1_0.QueueCompute, Count: 1}}
	cpu := vkapitest.NewGPU("Software", vkapi.DeviceTypeCPU, 4<<30)
	return []*vkapitest.GPU{integrated, noSwapchain, discrete, computeOnly, cpu}
}

func TestScore(t *testing.T) {
	props := vkapi.DeviceProperties{Type: vkapi.DeviceTypeDiscreteGPU, MaxViewport: [2]int{1000, 2000}}
	mem := vkapi.MemoryProperties{Heaps: []vkapi.MemoryHeap{{Size: 64_000}, {Size: 1_000_000}}}

	assert.EqualValues(t, (1000+2000)*10, score(props, mem))

	props.Type = vkapi.DeviceTypeVirtualGPU
	assert.EqualValues(t, (1000+2000)*10, score(props, mem))
	props.Type = vkapi.DeviceTypeIntegratedGPU
	assert.EqualValues(t, (1000+2000)*2, score(props, mem))
	props.Type = vkapi.DeviceTypeCPU
	assert.EqualValues(t, 1000+2000, score(props, mem))
}

func TestEnumerateRanksAndFilters(t *testing.T) {
	logs := &recordHandler{}
	h := newHarness(t, rankedGPUs(), WithLogger(slog.New(logs)))
	h.init()

	devices := h.b.Devices()
	require.Len(t, devices, 3)
	names := []string{devices[0].Name, devices[1].Name, devices[2].Name}
	assert.Equal(t, []string{"Discrete", "Integrated", "Software"}, names)
	for i, d := range devices {
		assert.Equal(t, i, d.Index)
		if i > 0 {
			assert.Greater(t, devices[i-1].Score, d.Score)
		}
	}
	assert.Equal(t, "DiscreteGPU", devices[0].Type)
	assert.EqualValues(t, 1<<30, devices[0].HeapBytes)

	skipped, ok := logs.find("skipping device")
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, skipped.Level)

	used, ok := logs.find("using device")
	require.True(t, ok)
	assert.Equal(t, slog.LevelInfo, used.Level)
	assert.Equal(t, "Discrete", h.b.ctx.physical.props.Name)
}

func TestSeparatePresentFamily(t *testing.T) {
	gpu := testGPU()
	gpu.Families = []vkapi.QueueFamily{
		{Flags: core1_0.QueueGraphics | core1_0.QueueTransfer, Count: 1},
		{Flags: core1_0.QueueCompute, Count: 2},
	}
	h := newHarness(t, []*vkapitest.GPU{gpu})
	h.init()

	d := h.device()
	assert.Equal(t, []int{0, 1}, d.Info().QueueFamilies)
	require.Len(t, d.Swapchains, 1)
	assert.Equal(t, []int{0, 1}, d.Swapchains[0].QueueFamilies)
	assert.NotEqual(t, h.b.ctx.graphicsQueue, h.b.ctx.presentQueue)
	h.frame()
	h.noViolations()
}

func TestSelectDevice(t *testing.T) {
	logs := &recordHandler{}
	h := newHarness(t, rankedGPUs(), WithLogger(slog.New(logs)))
	h.init()

	previous, err := h.b.SelectDevice(0)
	require.NoError(t, err)
	assert.Zero(t, previous)
	_, ok := logs.find("device selected")
	assert.False(t, ok, "selecting the current device is a no-op")

	previous, err = h.b.SelectDevice(2)
	require.NoError(t, err)
	assert.Zero(t, previous)
	selected, ok := logs.find("device selected")
	require.True(t, ok)
	assert.Equal(t, slog.LevelInfo, selected.Level)

	previous, err = h.b.SelectDevice(5)
	assert.ErrorIs(t, err, backend.ErrDeviceIndex)
	assert.Equal(t, 2, previous)
	_, err = h.b.SelectDevice(-1)
	assert.ErrorIs(t, err, backend.ErrDeviceIndex)
	assert.False(t, backend.IsFatal(err))

	// The live context keeps its device until it is rebuilt.
	assert.Equal(t, "Discrete", h.b.ctx.physical.props.Name)
	require.NoError(t, h.b.Shutdown())
	h.init()
	assert.Equal(t, "Software", h.b.ctx.physical.props.Name)

	previous, err = h.b.SelectDevice(0)
	require.NoError(t, err)
	assert.Equal(t, 2, previous)
	h.noViolations()
}

func TestSelectDeviceBeforeInitialize(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.b.SelectDevice(0)
	assert.ErrorIs(t, err, backend.ErrDeviceIndex)
	assert.Empty(t, h.b.Devices())
}

func TestChooseSurfaceFormat(t *testing.T) {
	unorm := khr_surface.SurfaceFormat{Format: core1_0.FormatR8G8B8A8UnsignedNormalized, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear}

	assert.Equal(t, defaultSurfaceFormat, chooseSurfaceFormat([]khr_surface.SurfaceFormat{{Format: core1_0.FormatUndefined}}))
	assert.Equal(t, defaultSurfaceFormat, chooseSurfaceFormat([]khr_surface.SurfaceFormat{unorm, defaultSurfaceFormat}))
	assert.Equal(t, unorm, chooseSurfaceFormat([]khr_surface.SurfaceFormat{unorm}))
}

func TestChoosePresentMode(t *testing.T) {
	assert.Equal(t, khr_surface.PresentModeMailbox, choosePresentMode([]khr_surface.PresentMode{
		khr_surface.PresentModeFIFO, khr_surface.PresentModeMailbox,
	}))
	assert.Equal(t, khr_surface.PresentModeFIFO, choosePresentMode([]khr_surface.PresentMode{
		khr_surface.PresentModeImmediate, khr_surface.PresentModeFIFO,
	}))
	assert.Equal(t, khr_surface.PresentModeFIFO, choosePresentMode(nil))
}

func TestChainImages(t *testing.T) {
	h := newHarness(t, nil)
	h.init()
	d := h.device()
	ch := h.b.ctx.chain

	require.Len(t, d.Swapchains, 1)
	info := d.Swapchains[0]
	assert.Equal(t, framesInFlight, info.MinImageCount)
	assert.Equal(t, khr_surface.PresentModeMailbox, info.PresentMode)
	assert.Equal(t, core1_0.ImageUsageColorAttachment|core1_0.ImageUsageTransferSrc, info.Usage)
	assert.Equal(t, vkapi.Extent{Width: 800, Height: 600}, info.Extent)

	assert.Len(t, ch.images, framesInFlight)
	assert.Len(t, ch.views, len(ch.images))
	for _, img := range ch.images {
		imgInfo, ok := d.ImageInfo(img)
		require.True(t, ok)
		assert.Equal(t, ch.format.Format, imgInfo.Format)
	}
}

func TestImageCountClamp(t *testing.T) {
	gpu := testGPU()
	gpu.Capabilities.MinImageCount = 1
	gpu.Capabilities.MaxImageCount = 2
	h := newHarness(t, []*vkapitest.GPU{gpu})
	h.init()
	assert.Len(t, h.b.ctx.chain.images, 2)

	gpu = testGPU()
	gpu.Capabilities.MinImageCount = 4
	gpu.Capabilities.MaxImageCount = 0
	h = newHarness(t, []*vkapitest.GPU{gpu})
	h.init()
	assert.Len(t, h.b.ctx.chain.images, 4)
	h.frame()
	h.noViolations()
}

func TestSwapExtent(t *testing.T) {
	gpu := testGPU()
	gpu.Capabilities.MaxExtent = vkapi.Extent{Width: 1024, Height: 1024}
	gpu.Capabilities.MinExtent = vkapi.Extent{Width: 64, Height: 64}
	h := newHarness(t, []*vkapitest.GPU{gpu})
	h.win.Width, h.win.Height = 4000, 10
	h.init()
	assert.Equal(t, vkapi.Extent{Width: 1024, Height: 64}, h.b.ctx.chain.extent)

	gpu.Capabilities.CurrentExtent = vkapi.Extent{Width: 300, Height: 200}
	h.b.NotifyResized()
	h.frame()
	assert.Equal(t, vkapi.Extent{Width: 300, Height: 200}, h.b.ctx.chain.extent)
	h.noViolations()
}

func TestZeroSizeInitializeIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.win.Width, h.win.Height = 0, 0

	err := h.b.Initialize(h.win)
	assert.ErrorIs(t, err, errZeroExtent)
	assert.True(t, backend.IsFatal(err))
	assert.Empty(t, h.loader.Recorder.Violations())
}

func TestSurfaceCapabilitiesFailure(t *testing.T) {
	gpu := testGPU()
	h := newHarness(t, []*vkapitest.GPU{gpu})
	h.init()

	gpu.CapabilitiesErr = errors.New("surface lost")
	h.b.NotifyResized()
	err := h.b.BeginFrame()
	require.Error(t, err)
	assert.True(t, backend.IsFatal(err))
	assert.ErrorContains(t, err, "surface lost")
}

func TestValidationMessagesAreRemapped(t *testing.T) {
	logs := &recordHandler{}
	h := newHarness(t, nil, WithValidation(true), WithLogger(slog.New(logs)))
	h.init()

	inst := h.loader.Instance()
	inst.Debug(vkapi.DebugError, "bad barrier")
	inst.Debug(vkapi.DebugWarning, "slow path")
	inst.Debug(vkapi.DebugInfo, "loader info")
	inst.Debug(vkapi.DebugVerbose, "chatter")

	want := map[string]slog.Level{
		"bad barrier": slog.LevelWarn,
		"slow path":   slog.LevelInfo,
		"loader info": slog.LevelDebug,
		"chatter":     slog.LevelDebug,
	}
	for msg, level := range want {
		r, ok := logs.find(msg)
		require.True(t, ok, msg)
		assert.Equal(t, level, r.Level, msg)
	}
	assert.Empty(t, h.fatals)
}
