package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// chain is the presentation chain: the swapchain, its images and one view
// per image.
type chain struct {
	swapchain vkapi.Swapchain
	images    []vkapi.Image
	views     []vkapi.ImageView
	format    khr_surface.SurfaceFormat
	mode      khr_surface.PresentMode
	extent    vkapi.Extent
}

var defaultSurfaceFormat = khr_surface.SurfaceFormat{
	Format:     core1_0.FormatB8G8R8A8SRGB,
	ColorSpace: khr_surface.ColorSpaceSRGBNonlinear,
}

// chooseSurfaceFormat prefers 8 bit BGRA sRGB. A single undefined entry
// means the surface accepts anything.
func chooseSurfaceFormat(formats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	if len(formats) == 1 && formats[0].Format == core1_0.FormatUndefined {
		return defaultSurfaceFormat
	}
	for _, format := range formats {
		if format == defaultSurfaceFormat {
			return format
		}
	}
	return formats[0]
}

// choosePresentMode prefers mailbox and falls back to FIFO, which every
// device supports.
func choosePresentMode(modes []khr_surface.PresentMode) khr_surface.PresentMode {
	for _, mode := range modes {
		if mode == khr_surface.PresentModeMailbox {
			return mode
		}
	}
	return khr_surface.PresentModeFIFO
}

// swapExtent returns the extent the chain should have now. When the
// surface leaves the choice to the swapchain, the window size is clamped
// to the supported range.
func (c *renderContext) swapExtent() (vkapi.Extent, error) {
	caps, err := c.instance.SurfaceCapabilities(c.physical.physical, c.surface)
	if err != nil {
		return vkapi.Extent{}, errors.Wrap(err, "querying surface capabilities")
	}
	c.physical.capabilities = caps
	if caps.CurrentExtent.Width != -1 {
		return caps.CurrentExtent, nil
	}

	width, height := c.win.Size()
	if width == 0 || height == 0 {
		return vkapi.Extent{}, nil
	}
	return vkapi.Extent{
		Width:  min(max(width, caps.MinExtent.Width), caps.MaxExtent.Width),
		Height: min(max(height, caps.MinExtent.Height), caps.MaxExtent.Height),
	}, nil
}

func (c *renderContext) imageCount() int {
	caps := c.physical.capabilities
	count := max(framesInFlight, caps.MinImageCount)
	if caps.MaxImageCount > 0 {
		count = min(count, caps.MaxImageCount)
	}
	return count
}

// createChain chooses the format and present mode once and builds the
// first chain. Later rebuilds keep both.
func (c *renderContext) createChain() error {
	c.chain = &chain{
		format: chooseSurfaceFormat(c.physical.formats),
		mode:   choosePresentMode(c.physical.presentModes),
	}
	c.push("presentation chain", c.destroyChain)

	extent, err := c.swapExtent()
	if err != nil {
		return err
	}
	if extent.Empty() {
		return errors.Wrap(errZeroExtent, "creating presentation chain")
	}
	return c.buildChain(extent)
}

var errZeroExtent = errors.New("window has no drawable area")

func (c *renderContext) buildChain(extent vkapi.Extent) error {
	ch := c.chain
	swapchain, err := c.device.CreateSwapchain(vkapi.SwapchainInfo{
		Surface:       c.surface,
		MinImageCount: c.imageCount(),
		Format:        ch.format,
		Extent:        extent,
		Usage:         core1_0.ImageUsageColorAttachment | core1_0.ImageUsageTransferSrc,
		PresentMode:   ch.mode,
		QueueFamilies: c.physical.families(),
	})
	if err != nil {
		return errors.Wrapf(err, "creating swapchain %dx%d", extent.Width, extent.Height)
	}
	ch.swapchain = swapchain
	ch.extent = extent

	ch.images, err = c.device.SwapchainImages(swapchain)
	if err != nil {
		return errors.Wrap(err, "reading swapchain images")
	}
	for _, image := range ch.images {
		view, err := c.device.CreateImageView(vkapi.ImageViewInfo{
			Image:    image,
			Format:   ch.format.Format,
			Subrange: vkapi.ColorSubrange,
		})
		if err != nil {
			return errors.Wrap(err, "creating swapchain image view")
		}
		ch.views = append(ch.views, view)
	}

	c.log.Info("presentation chain created",
		"width", extent.Width,
		"height", extent.Height,
		"images", len(ch.images),
		"format", ch.format.Format,
		"mode", ch.mode)
	return nil
}

// destroyChain destroys the views, then the swapchain.
func (c *renderContext) destroyChain() {
	ch := c.chain
	if ch == nil {
		return
	}
	for _, view := range ch.views {
		c.device.DestroyImageView(view)
	}
	if ch.swapchain.Initialized() {
		c.device.DestroySwapchain(ch.swapchain)
	}
	ch.views = nil
	ch.images = nil
	ch.swapchain = vkapi.Swapchain{}
}

// resize rebuilds the chain, the render targets and every pipeline for
// the current surface extent. A window without drawable area leaves the
// chain stale until it has one again.
func (c *renderContext) resize() error {
	extent, err := c.swapExtent()
	if err != nil {
		return err
	}
	if extent.Empty() {
		c.stale = true
		c.log.Debug("resize deferred, window has no drawable area")
		return nil
	}
	if err := c.device.WaitIdle(); err != nil {
		return errors.Wrap(err, "waiting for idle before resize")
	}

	c.destroyRenderTargets()
	c.destroyChain()
	if err := c.buildChain(extent); err != nil {
		return err
	}
	if err := c.buildRenderTargets(); err != nil {
		return err
	}
	for _, s := range c.shaders {
		if err := c.rebuildPipeline(s); err != nil {
			return err
		}
	}

	c.stale = false
	c.stats.Resizes++
	return nil
}
