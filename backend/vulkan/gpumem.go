package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/rendercore/internal/memory"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

const hostMapped = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

// errNoFormat is returned by chooseImageFormat when no candidate
// qualifies.
var errNoFormat = errors.New("no supported image format")

// gpuImage is an image, its memory and its view.
type gpuImage struct {
	image  vkapi.Image
	view   vkapi.ImageView
	alloc  *memory.Allocation
	format core1_0.Format
	extent vkapi.Extent
}

// gpuBuffer is a buffer and its memory. mapped is set for host mapped
// buffers and stays valid until the buffer is destroyed.
type gpuBuffer struct {
	buffer vkapi.Buffer
	alloc  *memory.Allocation
	size   int
	mapped unsafe.Pointer
}

// bytes returns the mapped contents of a host mapped buffer.
func (b *gpuBuffer) bytes() []byte {
	if b.mapped == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.mapped), b.size)
}

// createImage creates a device local optimal-tiling image with a view over
// subrange. Nothing is left behind on failure.
func (c *renderContext) createImage(name string, format core1_0.Format, extent vkapi.Extent, usage core1_0.ImageUsageFlags, subrange vkapi.Subrange) (*gpuImage, error) {
	image, err := c.device.CreateImage(vkapi.ImageInfo{
		Format: format,
		Extent: extent,
		Levels: 1,
		Usage:  usage,
		Tiling: core1_0.ImageTilingOptimal,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating image %s", name)
	}
	img := &gpuImage{image: image, format: format, extent: extent}

	img.alloc, err = c.memory.Allocate(name, memory.TilingOptimal, c.device.ImageRequirements(image), core1_0.MemoryPropertyDeviceLocal, 0)
	if err != nil {
		c.destroyImage(img)
		return nil, errors.Wrapf(err, "allocating image %s", name)
	}
	if err := c.device.BindImageMemory(image, img.alloc.Memory(), img.alloc.Offset()); err != nil {
		c.destroyImage(img)
		return nil, errors.Wrapf(err, "binding image %s", name)
	}

	img.view, err = c.device.CreateImageView(vkapi.ImageViewInfo{Image: image, Format: format, Subrange: subrange})
	if err != nil {
		c.destroyImage(img)
		return nil, errors.Wrapf(err, "creating view of %s", name)
	}
	return img, nil
}

// destroyImage releases the view, the image and then its memory.
func (c *renderContext) destroyImage(img *gpuImage) {
	if img.view.Initialized() {
		c.device.DestroyImageView(img.view)
	}
	c.device.DestroyImage(img.image)
	if err := c.memory.Free(img.alloc); err != nil {
		c.log.Warn("freeing image memory", "err", err)
	}
}

func (c *renderContext) createBuffer(name string, size int, usage core1_0.BufferUsageFlags, required core1_0.MemoryPropertyFlags) (*gpuBuffer, error) {
	buffer, err := c.device.CreateBuffer(size, usage)
	if err != nil {
		return nil, errors.Wrapf(err, "creating buffer %s", name)
	}
	buf := &gpuBuffer{buffer: buffer, size: size}

	buf.alloc, err = c.memory.Allocate(name, memory.TilingLinear, c.device.BufferRequirements(buffer), required, 0)
	if err != nil {
		c.destroyBuffer(buf)
		return nil, errors.Wrapf(err, "allocating buffer %s", name)
	}
	if err := c.device.BindBufferMemory(buffer, buf.alloc.Memory(), buf.alloc.Offset()); err != nil {
		c.destroyBuffer(buf)
		return nil, errors.Wrapf(err, "binding buffer %s", name)
	}
	return buf, nil
}

// createHostMappedBuffer creates a host coherent buffer and maps it for
// the rest of its life. Writes through bytes need no flush.
func (c *renderContext) createHostMappedBuffer(name string, size int, usage core1_0.BufferUsageFlags) (*gpuBuffer, error) {
	buf, err := c.createBuffer(name, size, usage, hostMapped)
	if err != nil {
		return nil, err
	}
	buf.mapped, err = buf.alloc.Map()
	if err != nil {
		c.destroyBuffer(buf)
		return nil, errors.Wrapf(err, "mapping buffer %s", name)
	}
	return buf, nil
}

func (c *renderContext) destroyBuffer(buf *gpuBuffer) {
	if buf.mapped != nil {
		buf.alloc.Unmap()
		buf.mapped = nil
	}
	c.device.DestroyBuffer(buf.buffer)
	if err := c.memory.Free(buf.alloc); err != nil {
		c.log.Warn("freeing buffer memory", "err", err)
	}
}

// oneTimeCommands records fn into a command buffer from the transient
// pool, submits it and waits for the queue to drain.
func (c *renderContext) oneTimeCommands(fn func(cb vkapi.CommandBuffer) error) error {
	buffers, err := c.device.AllocateCommandBuffers(c.transientPool, 1)
	if err != nil {
		return errors.Wrap(err, "allocating transfer command buffer")
	}
	cb := buffers[0]
	defer c.device.FreeCommandBuffers(c.transientPool, cb)

	if err := c.device.BeginCommandBuffer(cb, true); err != nil {
		return errors.Wrap(err, "beginning transfer commands")
	}
	if err := fn(cb); err != nil {
		return err
	}
	if err := c.device.EndCommandBuffer(cb); err != nil {
		return errors.Wrap(err, "ending transfer commands")
	}
	if err := c.device.Submit(c.graphicsQueue, vkapi.Fence{}, vkapi.Submission{Buffers: []vkapi.CommandBuffer{cb}}); err != nil {
		return errors.Wrap(err, "submitting transfer commands")
	}
	return errors.Wrap(c.device.QueueWaitIdle(c.graphicsQueue), "waiting for transfer")
}

// copyBuffer copies the first size bytes of src into dst and waits for
// the copy to finish. It is meant for uploads, not per-frame traffic.
func (c *renderContext) copyBuffer(src, dst *gpuBuffer, size int) error {
	if size > src.size || size > dst.size {
		return errors.AssertionFailedf("vulkan: copy of %d bytes between buffers of %d and %d bytes", size, src.size, dst.size)
	}
	return c.oneTimeCommands(func(cb vkapi.CommandBuffer) error {
		return c.device.CmdCopyBuffer(cb, src.buffer, dst.buffer, size)
	})
}

// chooseImageFormat returns the first candidate supporting features with
// tiling, or errNoFormat.
func (c *renderContext) chooseImageFormat(candidates []core1_0.Format, tiling core1_0.ImageTiling, features core1_0.FormatFeatureFlags) (core1_0.Format, error) {
	for _, format := range candidates {
		if c.instance.FormatFeatures(c.physical.physical, format).Supports(tiling, features) {
			return format, nil
		}
	}
	return core1_0.FormatUndefined, errors.Wrapf(errNoFormat, "%d candidates, tiling %v, features %v", len(candidates), tiling, features)
}
