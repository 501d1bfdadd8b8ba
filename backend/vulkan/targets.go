package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

var depthFormats = []core1_0.Format{
	core1_0.FormatD32SignedFloat,
	core1_0.FormatD32SignedFloatS8UnsignedInt,
	core1_0.FormatD24UnsignedNormalizedS8UnsignedInt,
}

func hasStencilComponent(format core1_0.Format) bool {
	return format == core1_0.FormatD32SignedFloatS8UnsignedInt || format == core1_0.FormatD24UnsignedNormalizedS8UnsignedInt
}

// createRenderTargets picks the depth format and builds the depth target
// at the chain extent.
func (c *renderContext) createRenderTargets() error {
	format, err := c.chooseImageFormat(depthFormats, core1_0.ImageTilingOptimal, core1_0.FormatFeatureDepthStencilAttachment)
	if err != nil {
		return errors.Wrap(err, "choosing depth format")
	}
	c.depthFormat = format
	c.push("render targets", c.destroyRenderTargets)
	return c.buildRenderTargets()
}

func (c *renderContext) buildRenderTargets() error {
	aspect := core1_0.ImageAspectDepth
	if hasStencilComponent(c.depthFormat) {
		aspect |= core1_0.ImageAspectStencil
	}
	depth, err := c.createImage("depth", c.depthFormat, c.chain.extent,
		core1_0.ImageUsageDepthStencilAttachment,
		vkapi.Subrange{Aspect: aspect, Levels: 1, Layers: 1})
	if err != nil {
		return err
	}
	c.depth = depth
	return nil
}

func (c *renderContext) destroyRenderTargets() {
	if c.depth != nil {
		c.destroyImage(c.depth)
		c.depth = nil
	}
}
