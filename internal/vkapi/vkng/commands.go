package vkng

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

func (d *Device) CmdPipelineBarrier(buffer vkapi.CommandBuffer, barrier vkapi.ImageBarrier) error {
	err := d.driver.CmdPipelineBarrier(d.commandBuffers.get(buffer.Handle), barrier.SrcStage, barrier.DstStage, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			OldLayout:           barrier.OldLayout,
			NewLayout:           barrier.NewLayout,
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               d.images.get(barrier.Image.Handle),
			SubresourceRange:    subresourceRange(barrier.Subrange),
			SrcAccessMask:       barrier.SrcAccess,
			DstAccessMask:       barrier.DstAccess,
		},
	})
	return errors.Wrap(err, "vkng: pipeline barrier")
}

func (d *Device) framebuffer(info vkapi.RenderingInfo, renderPass core1_0.RenderPass) (core1_0.Framebuffer, error) {
	key := framebufferKey{color: info.ColorView, depth: info.DepthView, extent: info.Extent}
	if fb, ok := d.framebuffers[key]; ok {
		return fb, nil
	}
	attachments := []core1_0.ImageView{d.views.get(info.ColorView.Handle)}
	if info.DepthView.Initialized() {
		attachments = append(attachments, d.views.get(info.DepthView.Handle))
	}
	fb, _, err := d.driver.CreateFramebuffer(d.alloc, core1_0.FramebufferCreateInfo{
		RenderPass:  renderPass,
		Layers:      1,
		Attachments: attachments,
		Width:       info.Extent.Width,
		Height:      info.Extent.Height,
	})
	if err != nil {
		return core1_0.Framebuffer{}, errors.Wrap(err, "vkng: create framebuffer")
	}
	d.framebuffers[key] = fb
	return fb, nil
}

func (d *Device) CmdBeginRendering(buffer vkapi.CommandBuffer, info vkapi.RenderingInfo) error {
	depthFormat := info.DepthFormat
	if !info.DepthView.Initialized() {
		depthFormat = core1_0.FormatUndefined
	}
	renderPass, err := d.renderPass(info.ColorFormat, depthFormat)
	if err != nil {
		return err
	}
	fb, err := d.framebuffer(info, renderPass)
	if err != nil {
		return err
	}

	c := info.ClearColor
	clears := []core1_0.ClearValue{core1_0.ClearValueFloat{c[0], c[1], c[2], c[3]}}
	if info.DepthView.Initialized() {
		clears = append(clears, core1_0.ClearValueDepthStencil{Depth: info.ClearDepth, Stencil: 0})
	}

	err = d.driver.CmdBeginRenderPass(d.commandBuffers.get(buffer.Handle), core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  renderPass,
			Framebuffer: fb,
			RenderArea: core1_0.Rect2D{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: core1_0.Extent2D{Width: info.Extent.Width, Height: info.Extent.Height},
			},
			ClearValues: clears,
		})
	return errors.Wrap(err, "vkng: begin rendering")
}

func (d *Device) CmdEndRendering(buffer vkapi.CommandBuffer) {
	d.driver.CmdEndRenderPass(d.commandBuffers.get(buffer.Handle))
}

func (d *Device) CmdBindPipeline(buffer vkapi.CommandBuffer, pipeline vkapi.Pipeline) {
	d.driver.CmdBindPipeline(d.commandBuffers.get(buffer.Handle), core1_0.PipelineBindPointGraphics, d.pipelines.get(pipeline.Handle))
}

func (d *Device) CmdBindDescriptorSet(buffer vkapi.CommandBuffer, layout vkapi.PipelineLayout, set vkapi.DescriptorSet) {
	d.driver.CmdBindDescriptorSets(d.commandBuffers.get(buffer.Handle), core1_0.PipelineBindPointGraphics, d.layouts.get(layout.Handle), 0,
		[]core1_0.DescriptorSet{d.sets.get(set.Handle)}, nil)
}

func (d *Device) CmdBindVertexBuffer(buffer vkapi.CommandBuffer, vertices vkapi.Buffer) {
	d.driver.CmdBindVertexBuffers(d.commandBuffers.get(buffer.Handle), 0, []core1_0.Buffer{d.buffers.get(vertices.Handle)}, []int{0})
}

func (d *Device) CmdBindIndexBuffer(buffer vkapi.CommandBuffer, indices vkapi.Buffer) {
	d.driver.CmdBindIndexBuffer(d.commandBuffers.get(buffer.Handle), d.buffers.get(indices.Handle), 0, core1_0.IndexTypeUInt32)
}

func (d *Device) CmdDrawIndexed(buffer vkapi.CommandBuffer, indexCount int) {
	d.driver.CmdDrawIndexed(d.commandBuffers.get(buffer.Handle), indexCount, 1, 0, 0, 0)
}

func (d *Device) CmdCopyBuffer(buffer vkapi.CommandBuffer, src, dst vkapi.Buffer, size int) error {
	err := d.driver.CmdCopyBuffer(d.commandBuffers.get(buffer.Handle), d.buffers.get(src.Handle), d.buffers.get(dst.Handle),
		core1_0.BufferCopy{
			SrcOffset: 0,
			DstOffset: 0,
			Size:      size,
		},
	)
	return errors.Wrap(err, "vkng: copy buffer")
}

func (d *Device) CmdCopyBufferToImage(buffer vkapi.CommandBuffer, src vkapi.Buffer, dst vkapi.Image, extent vkapi.Extent) error {
	err := d.driver.CmdCopyBufferToImage(d.commandBuffers.get(buffer.Handle), d.buffers.get(src.Handle), d.images.get(dst.Handle), core1_0.ImageLayoutTransferDstOptimal,
		core1_0.BufferImageCopy{
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectColor,
				MipLevel:       0,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
			ImageOffset: core1_0.Offset3D{X: 0, Y: 0, Z: 0},
			ImageExtent: core1_0.Extent3D{Width: extent.Width, Height: extent.Height, Depth: 1},
		},
	)
	return errors.Wrap(err, "vkng: copy buffer to image")
}
