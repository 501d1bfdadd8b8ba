package vulkan

import (
	"context"
	"log/slog"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/common"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
	"github.com/vkngwrapper/rendercore/internal/vkapi/vkapitest"
)

type harness struct {
	t      *testing.T
	b      *Backend
	loader *vkapitest.Loader
	win    *vkapitest.Window
	fatals []error
}

func spirv(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		common.ByteOrder.PutUint32(out[i*4:], w)
	}
	return out
}

func testShaders() fstest.MapFS {
	code := spirv(vkapitest.SPIRVMagic, 0x00010000, 0, 8, 0)
	return fstest.MapFS{
		"basic.vert.spv":  {Data: code},
		"basic.frag.spv":  {Data: code},
		"broken.vert.spv": {Data: spirv(0xdeadbeef, 0)},
		"broken.frag.spv": {Data: code},
		"ragged.vert.spv": {Data: []byte{3, 2, 0x23, 7, 1}},
		"ragged.frag.spv": {Data: code},
		"novert.frag.spv": {Data: code},
	}
}

func testGPU() *vkapitest.GPU {
	return vkapitest.NewGPU("Test Discrete", vkapi.DeviceTypeDiscreteGPU, 512<<20)
}

func newHarness(t *testing.T, gpus []*vkapitest.GPU, opts ...Option) *harness {
	t.Helper()
	if len(gpus) == 0 {
		gpus = []*vkapitest.GPU{testGPU()}
	}
	h := &harness{
		t:      t,
		loader: vkapitest.NewLoader(gpus...),
		win:    vkapitest.NewWindow(800, 600),
	}
	base := []Option{
		WithLoader(h.loader),
		WithShaderFS(testShaders()),
		WithFatalHandler(func(err error) { h.fatals = append(h.fatals, err) }),
	}
	h.b = New(append(base, opts...)...)
	return h
}

func (h *harness) init() {
	h.t.Helper()
	require.NoError(h.t, h.b.Initialize(h.win))
}

func (h *harness) device() *vkapitest.Device {
	return h.loader.Instance().Device()
}

func (h *harness) frame() {
	h.t.Helper()
	require.NoError(h.t, h.b.BeginFrame())
	require.NoError(h.t, h.b.Present())
}

func (h *harness) noViolations() {
	h.t.Helper()
	assert.Empty(h.t, h.loader.Recorder.Violations())
	assert.Empty(h.t, h.fatals)
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, backend.Backends(), Name)

	b, err := backend.Open(Name)
	require.NoError(t, err)
	assert.Equal(t, Name, b.Name())
	assert.IsType(t, &Backend{}, b)
}

func TestMethodsRequireInitialize(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.b.BeginFrame(), backend.ErrNotInitialized)
	assert.ErrorIs(t, h.b.Present(), backend.ErrNotInitialized)
	_, err := h.b.CreateShader("basic")
	assert.ErrorIs(t, err, backend.ErrNotInitialized)
	assert.NoError(t, h.b.Shutdown())
	assert.Empty(t, h.fatals)
}

func TestInitializeCreatesContext(t *testing.T) {
	h := newHarness(t, nil, WithApplicationName("viewer"))
	h.init()

	info := h.loader.Instance().Info()
	assert.Equal(t, "viewer", info.ApplicationName)
	assert.Equal(t, h.win.Extensions, info.Extensions)
	assert.Empty(t, info.Layers)
	assert.Nil(t, info.Debug)
	assert.Equal(t, vkapi.HostAllocator(h.b.ctx.host), info.Allocator)

	d := h.device()
	require.NotNil(t, d)
	assert.Equal(t, []int{0}, d.Info().QueueFamilies)
	assert.Equal(t, 3, d.Live("fence"))
	assert.Equal(t, 6, d.Live("semaphore"))
	assert.Equal(t, 3, d.Live("command buffer"))
	assert.Equal(t, 3, d.Live("descriptor set"))
	assert.Equal(t, 3, d.Live("swapchain image"))
	assert.Equal(t, 1, d.Live("image"), "depth target")
	h.noViolations()
}

func TestInitializeTwiceIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.init()

	err := h.b.Initialize(h.win)
	require.Error(t, err)
	assert.True(t, backend.IsFatal(err))
	assert.Len(t, h.fatals, 1)
}

func TestInitializeWithoutDeviceIsFatal(t *testing.T) {
	gpu := testGPU()
	gpu.Extensions = nil
	h := newHarness(t, []*vkapitest.GPU{gpu})

	err := h.b.Initialize(h.win)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrNoDevice)
	assert.True(t, backend.IsFatal(err))
	require.Len(t, h.fatals, 1)

	// Everything created before the failure is released again.
	events := h.loader.Recorder.Events()
	assert.Equal(t, []string{"create instance", "create surface", "destroy surface", "destroy instance"}, events)
	assert.Empty(t, h.loader.Recorder.Violations())
}

func TestValidationLayerRetry(t *testing.T) {
	h := newHarness(t, nil, WithValidation(true))
	h.loader.Layers = nil
	h.init()

	assert.Equal(t, 2, h.loader.Attempts)
	require.Len(t, h.loader.Created, 1)
	assert.Empty(t, h.loader.Created[0].Layers)
	assert.NotNil(t, h.loader.Created[0].Debug)
	h.noViolations()
}

func TestValidationEnabled(t *testing.T) {
	h := newHarness(t, nil, WithValidation(true))
	h.init()

	assert.Equal(t, 1, h.loader.Attempts)
	info := h.loader.Instance().Info()
	assert.Equal(t, []string{vkapi.ValidationLayer}, info.Layers)
	assert.Contains(t, info.Extensions, "VK_EXT_debug_utils")
}

// eventIndexHandler notes how many device events had been recorded when
// each log record was handled.
type eventIndexHandler struct {
	rec   *vkapitest.Recorder
	marks map[string]int
}

func (h *eventIndexHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *eventIndexHandler) Handle(_ context.Context, r slog.Record) error {
	if h.rec != nil {
		h.marks[r.Message] = len(h.rec.Events())
	}
	return nil
}

func (h *eventIndexHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *eventIndexHandler) WithGroup(string) slog.Handler      { return h }

func TestShutdownOrder(t *testing.T) {
	marks := &eventIndexHandler{marks: make(map[string]int)}
	h := newHarness(t, nil, WithLogger(slog.New(marks)))
	marks.rec = h.loader.Recorder
	h.init()
	shader, err := h.b.CreateShader("basic")
	require.NoError(t, err)
	_, err = h.b.CreateModel(shader, quadVertices, quadIndices)
	require.NoError(t, err)
	h.frame()

	h.loader.Recorder.Reset()
	require.NoError(t, h.b.Shutdown())
	h.noViolations()

	events := h.loader.Recorder.Events()
	first := func(event string) int {
		for i, e := range events {
			if e == event {
				return i
			}
		}
		t.Fatalf("event %q not recorded in %v", event, events)
		return -1
	}
	last := func(event string) int {
		for i := len(events) - 1; i >= 0; i-- {
			if events[i] == event {
				return i
			}
		}
		t.Fatalf("event %q not recorded in %v", event, events)
		return -1
	}

	// Engine resources go first, then the chain, then the device, surface
	// and instance.
	assert.Less(t, last("destroy pipeline"), first("destroy swapchain"))
	assert.Less(t, last("destroy shader module"), first("destroy swapchain"))
	assert.Less(t, last("destroy image view"), first("destroy swapchain"))
	assert.Less(t, last("destroy descriptor pool"), first("destroy command buffer"))
	assert.Less(t, last("destroy semaphore"), first("destroy command buffer"))
	assert.Less(t, last("destroy buffer"), first("destroy swapchain"))
	assert.Less(t, last("destroy command buffer"), first("destroy device"))
	assert.Less(t, last("destroy descriptor set layout"), first("destroy image"), "layout before render targets")
	assert.Less(t, last("destroy semaphore"), first("destroy fence"))
	// The transient pool owns no buffers at shutdown, the main pool frees
	// its frame buffers before it is destroyed.
	assert.Less(t, first("destroy command pool"), first("destroy command buffer"), "transient pool before main pool")
	assert.Less(t, last("destroy command buffer"), last("destroy command pool"))
	memoryDone, ok := marks.marks["memory manager destroyed"]
	require.True(t, ok)
	assert.LessOrEqual(t, last("destroy command pool")+1, memoryDone, "pools before memory manager")
	assert.Less(t, memoryDone, first("destroy device")+1)
	assert.Less(t, last("destroy memory"), first("destroy device"))
	assert.Less(t, first("destroy device"), first("destroy surface"))
	assert.Less(t, first("destroy surface"), first("destroy instance"))
	assert.Equal(t, len(events)-1, first("destroy instance"))
	hostDone, ok := marks.marks["host allocator destroyed"]
	require.True(t, ok)
	assert.Equal(t, len(events), hostDone, "host allocator after instance")

	assert.ErrorIs(t, h.b.BeginFrame(), backend.ErrNotInitialized)
	assert.NoError(t, h.b.Shutdown(), "second shutdown does nothing")
}

func TestHostAllocatorBacksDriver(t *testing.T) {
	h := newHarness(t, nil)
	h.init()
	host := h.b.ctx.host
	require.NotNil(t, host)

	stats := host.Stats()
	assert.NotZero(t, stats.Allocations)
	assert.NotZero(t, stats.Reallocations)
	assert.NotZero(t, stats.LiveByScope[vkapi.ScopeInstance])
	assert.NotZero(t, stats.LiveByScope[vkapi.ScopeDevice])

	require.NoError(t, h.b.Shutdown())
	stats = host.Stats()
	assert.Zero(t, stats.LiveBytes)
	assert.Zero(t, stats.Invalid)
	assert.Equal(t, stats.Allocations, stats.Frees)
	h.noViolations()
}

func TestDriverAllocator(t *testing.T) {
	h := newHarness(t, nil, WithDriverAllocator())
	h.init()

	assert.Nil(t, h.b.ctx.host)
	assert.Nil(t, h.loader.Instance().Info().Allocator)
	h.frame()
	require.NoError(t, h.b.Shutdown())
	h.noViolations()
}

func TestReinitialize(t *testing.T) {
	h := newHarness(t, nil)
	h.init()
	h.frame()
	require.NoError(t, h.b.Shutdown())

	h.init()
	h.frame()
	require.NoError(t, h.b.Shutdown())

	assert.Equal(t, 2, h.loader.Attempts)
	h.noViolations()
}
