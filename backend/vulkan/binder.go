package vulkan

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// descriptorCapacity is the per-type capacity of the descriptor pool.
const descriptorCapacity = 1000

var descriptorTypes = []core1_0.DescriptorType{
	core1_0.DescriptorTypeSampler,
	core1_0.DescriptorTypeCombinedImageSampler,
	core1_0.DescriptorTypeSampledImage,
	core1_0.DescriptorTypeStorageImage,
	core1_0.DescriptorTypeUniformTexelBuffer,
	core1_0.DescriptorTypeStorageTexelBuffer,
	core1_0.DescriptorTypeUniformBuffer,
	core1_0.DescriptorTypeStorageBuffer,
	core1_0.DescriptorTypeUniformBufferDynamic,
	core1_0.DescriptorTypeStorageBufferDynamic,
	core1_0.DescriptorTypeInputAttachment,
}

var uniformSize = binary.Size(backend.Uniforms{})

// binder owns the descriptor set layout, the pipeline layout built on it
// and the descriptor pool.
type binder struct {
	layout         vkapi.DescriptorSetLayout
	pipelineLayout vkapi.PipelineLayout
	pool           vkapi.DescriptorPool
}

// createBinder creates the layout with one vertex stage uniform buffer, a
// generous pool and, per frame slot, a uniform buffer and the descriptor
// set pointing at it.
func (c *renderContext) createBinder() error {
	bd := &c.binder
	c.push("descriptor set layout", func() {
		if bd.pipelineLayout.Initialized() {
			c.device.DestroyPipelineLayout(bd.pipelineLayout)
		}
		if bd.layout.Initialized() {
			c.device.DestroyDescriptorSetLayout(bd.layout)
		}
	})

	var err error
	bd.layout, err = c.device.CreateDescriptorSetLayout([]vkapi.DescriptorBinding{{
		Binding: 0,
		Type:    core1_0.DescriptorTypeUniformBuffer,
		Count:   1,
		Stages:  core1_0.StageVertex,
	}})
	if err != nil {
		return errors.Wrap(err, "creating descriptor set layout")
	}
	bd.pipelineLayout, err = c.device.CreatePipelineLayout(bd.layout)
	if err != nil {
		return errors.Wrap(err, "creating pipeline layout")
	}

	sizes := make([]vkapi.DescriptorPoolSize, 0, len(descriptorTypes))
	for _, t := range descriptorTypes {
		sizes = append(sizes, vkapi.DescriptorPoolSize{Type: t, Count: descriptorCapacity})
	}
	bd.pool, err = c.device.CreateDescriptorPool(vkapi.DescriptorPoolInfo{
		MaxSets:        descriptorCapacity,
		Sizes:          sizes,
		FreeIndividual: true,
	})
	if err != nil {
		return errors.Wrap(err, "creating descriptor pool")
	}
	c.push("descriptor pool", func() { c.device.DestroyDescriptorPool(bd.pool) })

	c.push("uniform buffers", func() {
		for i := range c.slots {
			if c.slots[i].uniforms != nil {
				c.destroyBuffer(c.slots[i].uniforms)
				c.slots[i].uniforms = nil
			}
		}
	})
	for i := range c.slots {
		c.slots[i].uniforms, err = c.createHostMappedBuffer("uniforms", uniformSize, core1_0.BufferUsageUniformBuffer)
		if err != nil {
			return err
		}
	}

	sets, err := c.device.AllocateDescriptorSets(bd.pool, bd.layout, framesInFlight)
	if err != nil {
		return errors.Wrap(err, "allocating descriptor sets")
	}
	for i, set := range sets {
		c.slots[i].set = set
		if err := c.device.WriteUniformBuffer(set, 0, c.slots[i].uniforms.buffer, 0, uniformSize); err != nil {
			return errors.Wrap(err, "writing descriptor set")
		}
	}
	return nil
}
