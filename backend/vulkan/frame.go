package vulkan

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

var clearColor = [4]float32{0, 0, 0, 1}

// outsideFrame wraps backend.ErrOutsideFrame as an assertion failure.
func outsideFrame(what string) error {
	return errors.WithAssertionFailure(errors.Wrapf(backend.ErrOutsideFrame, "vulkan: %s", what))
}

// BeginFrame waits for the current slot's fence, acquires the next chain
// image and starts recording into the slot's command buffer.
//
// A stale chain is rebuilt first. When the acquire reports the chain out
// of date, or the window has no drawable area, the frame is skipped:
// Render and SetUniforms do nothing and Present submits nothing.
func (b *Backend) BeginFrame() error {
	c, err := b.context()
	if err != nil {
		return err
	}
	if c.inFrame {
		return b.fatal(outsideFrame("BeginFrame called twice without Present"))
	}
	c.inFrame = true
	c.frameStart = hrtime.Now()

	if c.stale {
		if err := c.resize(); err != nil {
			return b.fatal(errors.Wrap(err, "rebuilding presentation chain"))
		}
		if c.stale {
			c.skipFrame = true
			return nil
		}
	}

	slot := &c.slots[c.slot]
	if err := c.device.WaitForFence(slot.fence); err != nil {
		return b.fatal(errors.Wrap(err, "waiting for frame fence"))
	}

	index, suboptimal, err := c.device.AcquireNextImage(c.chain.swapchain, slot.acquired)
	if errors.Is(err, vkapi.ErrOutOfDate) {
		c.log.Debug("acquire reported an out of date chain")
		c.pendingResize = true
		return nil
	}
	if err != nil {
		return b.fatal(errors.Wrap(err, "acquiring chain image"))
	}
	if suboptimal {
		c.stale = true
	}
	c.image = index

	if err := c.beginRecording(slot); err != nil {
		return b.fatal(err)
	}
	c.recording = true
	return nil
}

// beginRecording resets the slot, which is only safe once its fence has
// signaled, and opens the rendering pass on the acquired image.
func (c *renderContext) beginRecording(slot *frameSlot) error {
	d := c.device
	if err := d.ResetFence(slot.fence); err != nil {
		return errors.Wrap(err, "resetting frame fence")
	}
	if err := d.ResetCommandBuffer(slot.commands); err != nil {
		return errors.Wrap(err, "resetting frame command buffer")
	}
	if err := d.BeginCommandBuffer(slot.commands, false); err != nil {
		return errors.Wrap(err, "beginning frame command buffer")
	}

	err := d.CmdPipelineBarrier(slot.commands, vkapi.ImageBarrier{
		Image:     c.chain.images[c.image],
		Subrange:  vkapi.ColorSubrange,
		OldLayout: core1_0.ImageLayoutUndefined,
		NewLayout: core1_0.ImageLayoutColorAttachmentOptimal,
		SrcStage:  core1_0.PipelineStageTopOfPipe,
		DstStage:  core1_0.PipelineStageColorAttachmentOutput,
		DstAccess: core1_0.AccessColorAttachmentWrite,
	})
	if err != nil {
		return errors.Wrap(err, "recording acquire barrier")
	}

	err = d.CmdBeginRendering(slot.commands, vkapi.RenderingInfo{
		ColorView:    c.chain.views[c.image],
		ColorFormat:  c.chain.format.Format,
		DepthView:    c.depth.view,
		DepthFormat:  c.depthFormat,
		Extent:       c.chain.extent,
		ClearColor:   clearColor,
		ClearDepth:   1.0,
		ClearStencil: 0,
	})
	return errors.Wrap(err, "beginning rendering")
}

// Present ends recording, submits the slot and presents the image. An out
// of date or suboptimal present marks the chain stale; it is rebuilt by
// the next BeginFrame. Any other failure is fatal.
func (b *Backend) Present() error {
	c, err := b.context()
	if err != nil {
		return err
	}
	if !c.inFrame {
		return b.fatal(outsideFrame("Present called without BeginFrame"))
	}
	c.inFrame = false

	switch {
	case c.pendingResize:
		c.pendingResize = false
		b.stats.Skipped++
		if err := c.resize(); err != nil {
			return b.fatal(errors.Wrap(err, "rebuilding presentation chain"))
		}
		return nil
	case c.skipFrame:
		c.skipFrame = false
		b.stats.Skipped++
		return nil
	}

	c.recording = false
	slot := &c.slots[c.slot]
	if err := c.submit(slot); err != nil {
		return b.fatal(err)
	}
	b.stats.Submitted++

	err = c.device.QueuePresent(c.presentQueue, c.chain.swapchain, c.image, slot.rendered)
	c.slot = (c.slot + 1) % framesInFlight
	b.stats.LastFrame = hrtime.Since(c.frameStart)

	switch {
	case errors.Is(err, vkapi.ErrOutOfDate), errors.Is(err, vkapi.ErrSuboptimal):
		c.log.Debug("present reported a stale chain", "err", err)
		c.stale = true
	case err != nil:
		return b.fatal(errors.Wrap(err, "presenting"))
	}
	return nil
}

func (c *renderContext) submit(slot *frameSlot) error {
	d := c.device
	d.CmdEndRendering(slot.commands)
	err := d.CmdPipelineBarrier(slot.commands, vkapi.ImageBarrier{
		Image:     c.chain.images[c.image],
		Subrange:  vkapi.ColorSubrange,
		OldLayout: core1_0.ImageLayoutColorAttachmentOptimal,
		NewLayout: khr_swapchain.ImageLayoutPresentSrc,
		SrcStage:  core1_0.PipelineStageColorAttachmentOutput,
		DstStage:  core1_0.PipelineStageBottomOfPipe,
		SrcAccess: core1_0.AccessColorAttachmentWrite,
	})
	if err != nil {
		return errors.Wrap(err, "recording present barrier")
	}
	if err := d.EndCommandBuffer(slot.commands); err != nil {
		return errors.Wrap(err, "ending frame command buffer")
	}
	err = d.Submit(c.graphicsQueue, slot.fence, vkapi.Submission{
		Wait:      slot.acquired,
		WaitStage: core1_0.PipelineStageColorAttachmentOutput,
		Buffers:   []vkapi.CommandBuffer{slot.commands},
		Signal:    slot.rendered,
	})
	return errors.Wrap(err, "submitting frame")
}

// frame returns the context when a frame is being recorded. Calls outside
// BeginFrame and Present are fatal; calls inside a skipped frame return a
// nil context and no error.
func (b *Backend) frame(op string) (*renderContext, error) {
	c, err := b.context()
	if err != nil {
		return nil, err
	}
	if !c.inFrame {
		return nil, b.fatal(outsideFrame(op + " called outside a frame"))
	}
	if !c.recording {
		return nil, nil
	}
	return c, nil
}

// SetUniforms writes u into the uniform buffer of the current slot. The
// slot's fence has signaled, so the GPU no longer reads it.
func (b *Backend) SetUniforms(u backend.Uniforms) error {
	c, err := b.frame("SetUniforms")
	if c == nil {
		return err
	}
	if _, err := binary.Encode(c.slots[c.slot].uniforms.bytes(), common.ByteOrder, u); err != nil {
		return errors.Wrap(err, "encoding uniforms")
	}
	return nil
}

// Render records an indexed draw of model with its shader's pipeline.
func (b *Backend) Render(handle backend.ModelHandle) error {
	c, err := b.frame("Render")
	if c == nil {
		return err
	}
	m, ok := c.models[handle.ID()]
	if !ok {
		return errors.Wrapf(backend.ErrUnknownHandle, "%s", handle)
	}
	slot := &c.slots[c.slot]
	d := c.device
	d.CmdBindPipeline(slot.commands, m.shader.pipeline)
	d.CmdBindDescriptorSet(slot.commands, c.binder.pipelineLayout, slot.set)
	d.CmdBindVertexBuffer(slot.commands, m.vertices.buffer)
	d.CmdBindIndexBuffer(slot.commands, m.indices.buffer)
	d.CmdDrawIndexed(slot.commands, m.indexCount)
	return nil
}
