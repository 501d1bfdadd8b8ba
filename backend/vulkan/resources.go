package vulkan

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// model is an indexed triangle list in device local memory.
type model struct {
	handle     backend.ModelHandle
	shader     *shader
	vertices   *gpuBuffer
	indices    *gpuBuffer
	indexCount int
}

func (c *renderContext) destroyModel(m *model) {
	if m.indices != nil {
		c.destroyBuffer(m.indices)
	}
	if m.vertices != nil {
		c.destroyBuffer(m.vertices)
	}
}

var textureFormats = map[backend.TextureFormat]core1_0.Format{
	backend.TextureRGBA8SRGB:  core1_0.FormatR8G8B8A8SRGB,
	backend.TextureRGBA8Unorm: core1_0.FormatR8G8B8A8UnsignedNormalized,
	backend.TextureBGRA8SRGB:  core1_0.FormatB8G8R8A8SRGB,
}

// CreateTexture uploads pixels through a staging buffer into a sampled,
// device local image left in the shader read-only layout.
func (b *Backend) CreateTexture(pixels []byte, format backend.TextureFormat, width, height int) (backend.TextureHandle, error) {
	c, err := b.context()
	if err != nil {
		return backend.TextureHandle{}, err
	}
	vkFormat, ok := textureFormats[format]
	if !ok {
		return backend.TextureHandle{}, errors.Wrapf(backend.ErrUnsupported, "texture format %d", format)
	}
	if width <= 0 || height <= 0 {
		return backend.TextureHandle{}, errors.Newf("texture of %dx%d pixels", width, height)
	}
	size := width * height * format.BytesPerPixel()
	if len(pixels) != size {
		return backend.TextureHandle{}, errors.Newf("texture of %dx%d pixels needs %d bytes, got %d", width, height, size, len(pixels))
	}

	staging, err := c.createHostMappedBuffer("texture staging", size, core1_0.BufferUsageTransferSrc)
	if err != nil {
		return backend.TextureHandle{}, err
	}
	defer c.destroyBuffer(staging)
	copy(staging.bytes(), pixels)

	extent := vkapi.Extent{Width: width, Height: height}
	img, err := c.createImage("texture", vkFormat, extent,
		core1_0.ImageUsageTransferDst|core1_0.ImageUsageSampled, vkapi.ColorSubrange)
	if err != nil {
		return backend.TextureHandle{}, err
	}

	err = c.oneTimeCommands(func(cb vkapi.CommandBuffer) error {
		err := c.device.CmdPipelineBarrier(cb, vkapi.ImageBarrier{
			Image:     img.image,
			Subrange:  vkapi.ColorSubrange,
			OldLayout: core1_0.ImageLayoutUndefined,
			NewLayout: core1_0.ImageLayoutTransferDstOptimal,
			SrcStage:  core1_0.PipelineStageTopOfPipe,
			DstStage:  core1_0.PipelineStageTransfer,
			DstAccess: core1_0.AccessTransferWrite,
		})
		if err != nil {
			return errors.Wrap(err, "recording transfer barrier")
		}
		if err := c.device.CmdCopyBufferToImage(cb, staging.buffer, img.image, extent); err != nil {
			return errors.Wrap(err, "recording texture copy")
		}
		err = c.device.CmdPipelineBarrier(cb, vkapi.ImageBarrier{
			Image:     img.image,
			Subrange:  vkapi.ColorSubrange,
			OldLayout: core1_0.ImageLayoutTransferDstOptimal,
			NewLayout: core1_0.ImageLayoutShaderReadOnlyOptimal,
			SrcStage:  core1_0.PipelineStageTransfer,
			DstStage:  core1_0.PipelineStageFragmentShader,
			SrcAccess: core1_0.AccessTransferWrite,
			DstAccess: core1_0.AccessShaderRead,
		})
		return errors.Wrap(err, "recording sampling barrier")
	})
	if err != nil {
		c.destroyImage(img)
		return backend.TextureHandle{}, errors.Wrap(err, "uploading texture")
	}

	handle := backend.NewTextureHandle()
	c.textures[handle.ID()] = img
	c.log.Debug("texture created", "handle", handle, "width", width, "height", height)
	return handle, nil
}

// CreateModel uploads vertices and indices into device local buffers. The
// model is drawn with the pipeline of shader.
func (b *Backend) CreateModel(shaderHandle backend.ShaderHandle, vertices []backend.Vertex, indices []uint32) (backend.ModelHandle, error) {
	c, err := b.context()
	if err != nil {
		return backend.ModelHandle{}, err
	}
	s, ok := c.shaders[shaderHandle.ID()]
	if !ok {
		return backend.ModelHandle{}, errors.Wrapf(backend.ErrUnknownHandle, "%s", shaderHandle)
	}
	if len(vertices) == 0 || len(indices) == 0 {
		return backend.ModelHandle{}, errors.Newf("model with %d vertices and %d indices", len(vertices), len(indices))
	}
	for i, index := range indices {
		if int(index) >= len(vertices) {
			return backend.ModelHandle{}, errors.Newf("index %d at %d is out of range for %d vertices", index, i, len(vertices))
		}
	}

	m := &model{handle: backend.NewModelHandle(), shader: s, indexCount: len(indices)}
	m.vertices, err = c.uploadBuffer("vertices", vertices, core1_0.BufferUsageVertexBuffer)
	if err != nil {
		return backend.ModelHandle{}, err
	}
	m.indices, err = c.uploadBuffer("indices", indices, core1_0.BufferUsageIndexBuffer)
	if err != nil {
		c.destroyModel(m)
		return backend.ModelHandle{}, err
	}

	c.models[m.handle.ID()] = m
	c.log.Debug("model created", "handle", m.handle, "shader", s.name, "vertices", len(vertices), "indices", len(indices))
	return m.handle, nil
}

// uploadBuffer encodes data straight into a mapped staging buffer and
// copies it into a new device local buffer.
func (c *renderContext) uploadBuffer(name string, data any, usage core1_0.BufferUsageFlags) (*gpuBuffer, error) {
	size := binary.Size(data)
	if size <= 0 {
		return nil, errors.AssertionFailedf("vulkan: %s of type %T has no fixed size", name, data)
	}

	staging, err := c.createHostMappedBuffer(name+" staging", size, core1_0.BufferUsageTransferSrc)
	if err != nil {
		return nil, err
	}
	defer c.destroyBuffer(staging)
	if _, err := binary.Encode(staging.bytes(), common.ByteOrder, data); err != nil {
		return nil, errors.Wrapf(err, "encoding %s", name)
	}

	buf, err := c.createBuffer(name, size, usage|core1_0.BufferUsageTransferDst, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return nil, err
	}
	if err := c.copyBuffer(staging, buf, size); err != nil {
		c.destroyBuffer(buf)
		return nil, errors.Wrapf(err, "uploading %s", name)
	}
	return buf, nil
}
