package vulkan

import (
	"encoding/binary"
	"io/fs"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
	"github.com/vkngwrapper/rendercore/internal/vkapi/vkapitest"
)

var quadVertices = []backend.Vertex{
	{Position: mgl32.Vec3{-0.5, -0.5, 0}, Color: mgl32.Vec3{1, 0, 0}, TexCoord: mgl32.Vec2{1, 0}},
	{Position: mgl32.Vec3{0.5, -0.5, 0}, Color: mgl32.Vec3{0, 1, 0}, TexCoord: mgl32.Vec2{0, 0}},
	{Position: mgl32.Vec3{0.5, 0.5, 0}, Color: mgl32.Vec3{0, 0, 1}, TexCoord: mgl32.Vec2{0, 1}},
	{Position: mgl32.Vec3{-0.5, 0.5, 0}, Color: mgl32.Vec3{1, 1, 1}, TexCoord: mgl32.Vec2{1, 1}},
}

var quadIndices = []uint32{0, 1, 2, 2, 3, 0}

func TestVertexLayout(t *testing.T) {
	assert.Equal(t, 32, vertexStride)
	assert.Equal(t, 192, uniformSize)

	last := vertexAttributes[len(vertexAttributes)-1]
	assert.Equal(t, 24, last.Offset)
	assert.Equal(t, core1_0.FormatR32G32SignedFloat, last.Format)
}

func TestBytesToBytecode(t *testing.T) {
	code, err := bytesToBytecode(spirv(0x07230203, 42))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x07230203, 42}, code)

	_, err = bytesToBytecode(nil)
	assert.Error(t, err)
	_, err = bytesToBytecode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCreateShader(t *testing.T) {
	h := newHarness(t, nil)
	h.init()
	d := h.device()

	handle, err := h.b.CreateShader("basic")
	require.NoError(t, err)
	s, ok := h.b.ctx.shaders[handle.ID()]
	require.True(t, ok)
	assert.Equal(t, "basic", s.name)
	assert.Equal(t, 2, d.Live("shader module"))

	info, ok := d.Pipelines[s.pipeline]
	require.True(t, ok)
	assert.Equal(t, h.b.ctx.binder.pipelineLayout, info.Layout)
	assert.Equal(t, core1_0.FormatB8G8R8A8SRGB, info.ColorFormat)
	assert.Equal(t, core1_0.FormatD32SignedFloat, info.DepthFormat)
	assert.Equal(t, vkapi.Extent{Width: 800, Height: 600}, info.Extent)
	assert.Equal(t, vertexStride, info.VertexStride)
	h.noViolations()
}

func TestCreateShaderErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.init()
	d := h.device()

	_, err := h.b.CreateShader("missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = h.b.CreateShader("novert")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = h.b.CreateShader("ragged")
	assert.ErrorContains(t, err, "whole number of words")

	_, err = h.b.CreateShader("broken")
	assert.Error(t, err)

	assert.Zero(t, d.Live("shader module"))
	assert.Zero(t, d.Live("pipeline"))
	assert.Empty(t, h.b.ctx.shaders)
	assert.Empty(t, h.fatals, "resource errors are returned, not fatal")
}

func TestShaderExtension(t *testing.T) {
	h := newHarness(t, nil, WithShaderExt("bin"))
	h.init()

	_, err := h.b.CreateShader("basic")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorContains(t, err, ".bin")
}

func TestCreateModelUploadsBuffers(t *testing.T) {
	h := newHarness(t, nil)
	h.init()
	d := h.device()
	shader, err := h.b.CreateShader("basic")
	require.NoError(t, err)

	copies := d.Copies
	handle, err := h.b.CreateModel(shader, quadVertices, quadIndices)
	require.NoError(t, err)
	assert.Equal(t, copies+2, d.Copies)

	m := h.b.ctx.models[handle.ID()]
	require.NotNil(t, m)
	assert.Equal(t, len(quadIndices), m.indexCount)

	wantVertices := make([]byte, binary.Size(quadVertices))
	_, err = binary.Encode(wantVertices, common.ByteOrder, quadVertices)
	require.NoError(t, err)
	assert.Equal(t, wantVertices, d.BufferContents(m.vertices.buffer))

	wantIndices := make([]byte, 4*len(quadIndices))
	_, err = binary.Encode(wantIndices, common.ByteOrder, quadIndices)
	require.NoError(t, err)
	assert.Equal(t, wantIndices, d.BufferContents(m.indices.buffer))

	// Staging buffers are released after the upload.
	assert.Equal(t, framesInFlight+2, d.Live("buffer"))
	h.noViolations()
}

func TestCreateModelErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.init()
	shader, err := h.b.CreateShader("basic")
	require.NoError(t, err)

	_, err = h.b.CreateModel(backend.NewShaderHandle(), quadVertices, quadIndices)
	assert.ErrorIs(t, err, backend.ErrUnknownHandle)

	_, err = h.b.CreateModel(shader, nil, quadIndices)
	assert.Error(t, err)

	_, err = h.b.CreateModel(shader, quadVertices, []uint32{0, 1, 4})
	assert.ErrorContains(t, err, "out of range")

	assert.Empty(t, h.b.ctx.models)
	assert.Empty(t, h.fatals)
	require.NoError(t, h.b.Shutdown())
	assert.Empty(t, h.loader.Recorder.Violations())
}

func TestCreateTexture(t *testing.T) {
	h := newHarness(t, nil)
	h.init()
	d := h.device()

	pixels := make([]byte, 4*4*4)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	handle, err := h.b.CreateTexture(pixels, backend.TextureRGBA8SRGB, 4, 4)
	require.NoError(t, err)

	img := h.b.ctx.textures[handle.ID()]
	require.NotNil(t, img)
	assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, d.ImageLayout(img.image))
	info, ok := d.ImageInfo(img.image)
	require.True(t, ok)
	assert.Equal(t, core1_0.FormatR8G8B8A8SRGB, info.Format)
	assert.Equal(t, vkapi.Extent{Width: 4, Height: 4}, info.Extent)
	assert.Equal(t, core1_0.ImageUsageTransferDst|core1_0.ImageUsageSampled, info.Usage)
	assert.Equal(t, framesInFlight, d.Live("buffer"), "staging buffer released")
	h.noViolations()
}

func TestCreateTextureErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.init()

	_, err := h.b.CreateTexture(make([]byte, 10), backend.TextureRGBA8Unorm, 2, 2)
	assert.ErrorContains(t, err, "needs 16 bytes")

	_, err = h.b.CreateTexture(nil, backend.TextureBGRA8SRGB, 0, 2)
	assert.Error(t, err)

	_, err = h.b.CreateTexture(make([]byte, 4), backend.TextureFormat(99), 1, 1)
	assert.ErrorIs(t, err, backend.ErrUnsupported)

	assert.Empty(t, h.b.ctx.textures)
	assert.Equal(t, 1, h.device().Live("image"))
	h.noViolations()
}

func TestHostMappedBufferCopy(t *testing.T) {
	h := newHarness(t, nil)
	h.init()
	c := h.b.ctx
	d := h.device()

	src, err := c.createHostMappedBuffer("src", 64, core1_0.BufferUsageTransferSrc)
	require.NoError(t, err)
	dst, err := c.createBuffer("dst", 64, core1_0.BufferUsageTransferDst, core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, err)

	copy(src.bytes(), "the quick brown fox jumps over the lazy dog")
	require.NoError(t, c.copyBuffer(src, dst, 64))
	assert.Equal(t, src.bytes(), d.BufferContents(dst.buffer))

	assert.Error(t, c.copyBuffer(src, dst, 65))

	c.destroyBuffer(src)
	c.destroyBuffer(dst)
	h.noViolations()
}

func TestChooseImageFormat(t *testing.T) {
	gpu := testGPU()
	gpu.FormatFeatures = map[core1_0.Format]vkapi.FormatFeatures{
		core1_0.FormatD32SignedFloat:                     {Linear: core1_0.FormatFeatureDepthStencilAttachment},
		core1_0.FormatD24UnsignedNormalizedS8UnsignedInt: {Optimal: core1_0.FormatFeatureDepthStencilAttachment},
	}
	h := newHarness(t, []*vkapitest.GPU{gpu})
	h.init()

	assert.Equal(t, core1_0.FormatD24UnsignedNormalizedS8UnsignedInt, h.b.ctx.depthFormat)
	assert.True(t, hasStencilComponent(h.b.ctx.depthFormat))

	_, err := h.b.ctx.chooseImageFormat(
		[]core1_0.Format{core1_0.FormatD32SignedFloat},
		core1_0.ImageTilingOptimal,
		core1_0.FormatFeatureDepthStencilAttachment)
	assert.ErrorIs(t, err, errNoFormat)

	format, err := h.b.ctx.chooseImageFormat(
		[]core1_0.Format{core1_0.FormatD32SignedFloat},
		core1_0.ImageTilingLinear,
		core1_0.FormatFeatureDepthStencilAttachment)
	require.NoError(t, err)
	assert.Equal(t, core1_0.FormatD32SignedFloat, format)
}

func TestNoDepthFormatIsFatal(t *testing.T) {
	gpu := testGPU()
	gpu.FormatFeatures = nil
	h := newHarness(t, []*vkapitest.GPU{gpu})

	err := h.b.Initialize(h.win)
	assert.ErrorIs(t, err, errNoFormat)
	assert.True(t, backend.IsFatal(err))
	assert.Len(t, h.fatals, 1)
	assert.Empty(t, h.loader.Recorder.Violations())
}
