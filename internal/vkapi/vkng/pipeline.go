package vkng

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

func (d *Device) CreateDescriptorSetLayout(bindings []vkapi.DescriptorBinding) (vkapi.DescriptorSetLayout, error) {
	info := core1_0.DescriptorSetLayoutCreateInfo{}
	for _, b := range bindings {
		info.Bindings = append(info.Bindings, core1_0.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  b.Type,
			DescriptorCount: b.Count,
			StageFlags:      b.Stages,
		})
	}
	layout, _, err := d.driver.CreateDescriptorSetLayout(d.alloc, info)
	if err != nil {
		return vkapi.DescriptorSetLayout{}, errors.Wrap(err, "vkng: create descriptor set layout")
	}
	return vkapi.DescriptorSetLayout{Handle: d.setLayouts.add(layout)}, nil
}

func (d *Device) DestroyDescriptorSetLayout(layout vkapi.DescriptorSetLayout) {
	if l, ok := d.setLayouts.take(layout.Handle); ok {
		d.driver.DestroyDescriptorSetLayout(l, d.alloc)
	}
}

func (d *Device) CreateDescriptorPool(info vkapi.DescriptorPoolInfo) (vkapi.DescriptorPool, error) {
	createInfo := core1_0.DescriptorPoolCreateInfo{MaxSets: info.MaxSets}
	if info.FreeIndividual {
		createInfo.Flags = core1_0.DescriptorPoolCreateFreeDescriptorSet
	}
	for _, size := range info.Sizes {
		createInfo.PoolSizes = append(createInfo.PoolSizes, core1_0.DescriptorPoolSize{
			Type:            size.Type,
			DescriptorCount: size.Count,
		})
	}
	pool, _, err := d.driver.CreateDescriptorPool(d.alloc, createInfo)
	if err != nil {
		return vkapi.DescriptorPool{}, errors.Wrap(err, "vkng: create descriptor pool")
	}
	return vkapi.DescriptorPool{Handle: d.descPools.add(pool)}, nil
}

// DestroyDescriptorPool also forgets every set allocated from the pool.
func (d *Device) DestroyDescriptorPool(pool vkapi.DescriptorPool) {
	p, ok := d.descPools.take(pool.Handle)
	if !ok {
		return
	}
	d.driver.DestroyDescriptorPool(p, d.alloc)
	d.sets = newTable[core1_0.DescriptorSet]()
}

func (d *Device) AllocateDescriptorSets(pool vkapi.DescriptorPool, layout vkapi.DescriptorSetLayout, count int) ([]vkapi.DescriptorSet, error) {
	layouts := make([]core1_0.DescriptorSetLayout, count)
	for i := range layouts {
		layouts[i] = d.setLayouts.get(layout.Handle)
	}
	sets, _, err := d.driver.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: d.descPools.get(pool.Handle),
		SetLayouts:     layouts,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkng: allocate descriptor sets")
	}
	out := make([]vkapi.DescriptorSet, 0, len(sets))
	for _, set := range sets {
		out = append(out, vkapi.DescriptorSet{Handle: d.sets.add(set)})
	}
	return out, nil
}

func (d *Device) WriteUniformBuffer(set vkapi.DescriptorSet, binding int, buffer vkapi.Buffer, offset, size int) error {
	err := d.driver.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          d.sets.get(set.Handle),
			DstBinding:      binding,
			DstArrayElement: 0,

			DescriptorType: core1_0.DescriptorTypeUniformBuffer,

			BufferInfo: []core1_0.DescriptorBufferInfo{
				{
					Buffer: d.buffers.get(buffer.Handle),
					Offset: offset,
					Range:  size,
				},
			},
		},
	}, nil)
	return errors.Wrap(err, "vkng: update descriptor sets")
}

func (d *Device) CreateShaderModule(code []uint32) (vkapi.ShaderModule, error) {
	module, _, err := d.driver.CreateShaderModule(d.alloc, core1_0.ShaderModuleCreateInfo{Code: code})
	if err != nil {
		return vkapi.ShaderModule{}, errors.Wrap(err, "vkng: create shader module")
	}
	return vkapi.ShaderModule{Handle: d.shaders.add(module)}, nil
}

func (d *Device) DestroyShaderModule(module vkapi.ShaderModule) {
	if m, ok := d.shaders.take(module.Handle); ok {
		d.driver.DestroyShaderModule(m, d.alloc)
	}
}

func (d *Device) CreatePipelineLayout(setLayouts ...vkapi.DescriptorSetLayout) (vkapi.PipelineLayout, error) {
	info := core1_0.PipelineLayoutCreateInfo{}
	for _, l := range setLayouts {
		info.SetLayouts = append(info.SetLayouts, d.setLayouts.get(l.Handle))
	}
	layout, _, err := d.driver.CreatePipelineLayout(d.alloc, info)
	if err != nil {
		return vkapi.PipelineLayout{}, errors.Wrap(err, "vkng: create pipeline layout")
	}
	return vkapi.PipelineLayout{Handle: d.layouts.add(layout)}, nil
}

func (d *Device) DestroyPipelineLayout(layout vkapi.PipelineLayout) {
	if l, ok := d.layouts.take(layout.Handle); ok {
		d.driver.DestroyPipelineLayout(l, d.alloc)
	}
}

// renderPass returns the cached render pass for a color format and an
// optional depth format. The color attachment is expected in color
// attachment layout on entry and is left there; callers transition it.
func (d *Device) renderPass(color, depth core1_0.Format) (core1_0.RenderPass, error) {
	key := renderPassKey{color: color, depth: depth}
	if rp, ok := d.renderPasses[key]; ok {
		return rp, nil
	}

	attachments := []core1_0.AttachmentDescription{
		{
			Format:         color,
			Samples:        core1_0.Samples1,
			LoadOp:         core1_0.AttachmentLoadOpClear,
			StoreOp:        core1_0.AttachmentStoreOpStore,
			StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  core1_0.ImageLayoutColorAttachmentOptimal,
			FinalLayout:    core1_0.ImageLayoutColorAttachmentOptimal,
		},
	}
	subpass := core1_0.SubpassDescription{
		PipelineBindPoint: core1_0.PipelineBindPointGraphics,
		ColorAttachments: []core1_0.AttachmentReference{
			{
				Attachment: 0,
				Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
			},
		},
	}
	if depth != core1_0.FormatUndefined {
		attachments = append(attachments, core1_0.AttachmentDescription{
			Format:         depth,
			Samples:        core1_0.Samples1,
			LoadOp:         core1_0.AttachmentLoadOpClear,
			StoreOp:        core1_0.AttachmentStoreOpDontCare,
			StencilLoadOp:  core1_0.AttachmentLoadOpClear,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  core1_0.ImageLayoutUndefined,
			FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.DepthStencilAttachment = &core1_0.AttachmentReference{
			Attachment: 1,
			Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}

	rp, _, err := d.driver.CreateRenderPass(d.alloc, core1_0.RenderPassCreateInfo{
		Attachments: attachments,
		Subpasses:   []core1_0.SubpassDescription{subpass},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				DstAccessMask: core1_0.AccessColorAttachmentWrite | core1_0.AccessDepthStencilAttachmentWrite,
			},
		},
	})
	if err != nil {
		return core1_0.RenderPass{}, errors.Wrap(err, "vkng: create render pass")
	}
	d.renderPasses[key] = rp
	return rp, nil
}

func (d *Device) CreateGraphicsPipeline(info vkapi.GraphicsPipelineInfo) (vkapi.Pipeline, error) {
	renderPass, err := d.renderPass(info.ColorFormat, info.DepthFormat)
	if err != nil {
		return vkapi.Pipeline{}, err
	}

	vertexInput := &core1_0.PipelineVertexInputStateCreateInfo{
		VertexBindingDescriptions: []core1_0.VertexInputBindingDescription{
			{
				Binding:   0,
				Stride:    info.VertexStride,
				InputRate: core1_0.VertexInputRateVertex,
			},
		},
	}
	for _, attr := range info.Attributes {
		vertexInput.VertexAttributeDescriptions = append(vertexInput.VertexAttributeDescriptions, core1_0.VertexInputAttributeDescription{
			Binding:  0,
			Location: attr.Location,
			Format:   attr.Format,
			Offset:   attr.Offset,
		})
	}

	extent := core1_0.Extent2D{Width: info.Extent.Width, Height: info.Extent.Height}
	pipelineInfo := core1_0.GraphicsPipelineCreateInfo{
		Stages: []core1_0.PipelineShaderStageCreateInfo{
			{
				Stage:  core1_0.StageVertex,
				Module: d.shaders.get(info.Vertex.Handle),
				Name:   "main",
			},
			{
				Stage:  core1_0.StageFragment,
				Module: d.shaders.get(info.Fragment.Handle),
				Name:   "main",
			},
		},
		VertexInputState: vertexInput,
		InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
			Topology: core1_0.PrimitiveTopologyTriangleList,
		},
		ViewportState: &core1_0.PipelineViewportStateCreateInfo{
			Viewports: []core1_0.Viewport{
				{
					Width:    float32(extent.Width),
					Height:   float32(extent.Height),
					MinDepth: 0,
					MaxDepth: 1,
				},
			},
			Scissors: []core1_0.Rect2D{
				{
					Offset: core1_0.Offset2D{X: 0, Y: 0},
					Extent: extent,
				},
			},
		},
		RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
			PolygonMode: core1_0.PolygonModeFill,
			CullMode:    core1_0.CullModeBack,
			FrontFace:   core1_0.FrontFaceCounterClockwise,
			LineWidth:   1.0,
		},
		MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
			RasterizationSamples: core1_0.Samples1,
			MinSampleShading:     1.0,
		},
		ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
			LogicOp: core1_0.LogicOpCopy,
			Attachments: []core1_0.PipelineColorBlendAttachmentState{
				{
					ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
				},
			},
		},
		Layout:            d.layouts.get(info.Layout.Handle),
		RenderPass:        renderPass,
		Subpass:           0,
		BasePipelineIndex: -1,
	}
	if info.DepthFormat != core1_0.FormatUndefined {
		pipelineInfo.DepthStencilState = &core1_0.PipelineDepthStencilStateCreateInfo{
			DepthTestEnable:  true,
			DepthWriteEnable: true,
			DepthCompareOp:   core1_0.CompareOpLess,
		}
	}

	pipelines, _, err := d.driver.CreateGraphicsPipelines(d.alloc, nil, pipelineInfo)
	if err != nil {
		return vkapi.Pipeline{}, errors.Wrap(err, "vkng: create graphics pipeline")
	}
	return vkapi.Pipeline{Handle: d.pipelines.add(pipelines[0])}, nil
}

func (d *Device) DestroyPipeline(pipeline vkapi.Pipeline) {
	if p, ok := d.pipelines.take(pipeline.Handle); ok {
		d.driver.DestroyPipeline(p, d.alloc)
	}
}
