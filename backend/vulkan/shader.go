package vulkan

import (
	"encoding/binary"
	"io/fs"
	"path"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"golang.org/x/sync/errgroup"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// shader is a vertex and fragment module pair and the pipeline drawing
// with them. The pipeline bakes in the chain extent and is rebuilt on
// resize.
type shader struct {
	handle   backend.ShaderHandle
	name     string
	vertex   vkapi.ShaderModule
	fragment vkapi.ShaderModule
	pipeline vkapi.Pipeline
}

var vertexStride = binary.Size(backend.Vertex{})

var vertexAttributes = []vkapi.VertexAttribute{
	{Location: 0, Format: core1_0.FormatR32G32B32SignedFloat, Offset: 0},
	{Location: 1, Format: core1_0.FormatR32G32B32SignedFloat, Offset: 12},
	{Location: 2, Format: core1_0.FormatR32G32SignedFloat, Offset: 24},
}

func bytesToBytecode(b []byte) ([]uint32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, errors.Newf("shader binary of %d bytes is not a whole number of words", len(b))
	}
	byteCode := make([]uint32, len(b)/4)
	for i := range byteCode {
		byteCode[i] = common.ByteOrder.Uint32(b[i*4:])
	}
	return byteCode, nil
}

// readShaderBinaries reads <name>.vert.<ext> and <name>.frag.<ext>
// concurrently.
func readShaderBinaries(fsys fs.FS, name, ext string) (vert, frag []uint32, err error) {
	var g errgroup.Group
	read := func(stage string, out *[]uint32) func() error {
		return func() error {
			file := path.Clean(name + "." + stage + "." + ext)
			data, err := fs.ReadFile(fsys, file)
			if err != nil {
				return errors.Wrapf(err, "reading %s", file)
			}
			*out, err = bytesToBytecode(data)
			return errors.Wrapf(err, "decoding %s", file)
		}
	}
	g.Go(read("vert", &vert))
	g.Go(read("frag", &frag))
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return vert, frag, nil
}

// CreateShader loads the shader binaries called name and builds their
// pipeline. Missing or rejected binaries are returned as errors.
func (b *Backend) CreateShader(name string) (backend.ShaderHandle, error) {
	c, err := b.context()
	if err != nil {
		return backend.ShaderHandle{}, err
	}
	vert, frag, err := readShaderBinaries(b.cfg.shaders, name, b.cfg.shaderExt)
	if err != nil {
		return backend.ShaderHandle{}, errors.Wrapf(err, "shader %q", name)
	}

	s := &shader{handle: backend.NewShaderHandle(), name: name}
	if s.vertex, err = c.device.CreateShaderModule(vert); err != nil {
		return backend.ShaderHandle{}, errors.Wrapf(err, "shader %q: vertex module", name)
	}
	if s.fragment, err = c.device.CreateShaderModule(frag); err != nil {
		c.destroyShader(s)
		return backend.ShaderHandle{}, errors.Wrapf(err, "shader %q: fragment module", name)
	}
	if err := c.rebuildPipeline(s); err != nil {
		c.destroyShader(s)
		return backend.ShaderHandle{}, errors.Wrapf(err, "shader %q", name)
	}

	c.shaders[s.handle.ID()] = s
	c.log.Debug("shader created", "name", name, "handle", s.handle)
	return s.handle, nil
}

// rebuildPipeline replaces the pipeline of s with one matching the
// current chain and depth target.
func (c *renderContext) rebuildPipeline(s *shader) error {
	pipeline, err := c.device.CreateGraphicsPipeline(vkapi.GraphicsPipelineInfo{
		Vertex:       s.vertex,
		Fragment:     s.fragment,
		Layout:       c.binder.pipelineLayout,
		ColorFormat:  c.chain.format.Format,
		DepthFormat:  c.depthFormat,
		Extent:       c.chain.extent,
		VertexStride: vertexStride,
		Attributes:   vertexAttributes,
	})
	if err != nil {
		return errors.Wrap(err, "creating graphics pipeline")
	}
	if s.pipeline.Initialized() {
		c.device.DestroyPipeline(s.pipeline)
	}
	s.pipeline = pipeline
	return nil
}

func (c *renderContext) destroyShader(s *shader) {
	if s.pipeline.Initialized() {
		c.device.DestroyPipeline(s.pipeline)
	}
	if s.fragment.Initialized() {
		c.device.DestroyShaderModule(s.fragment)
	}
	if s.vertex.Initialized() {
		c.device.DestroyShaderModule(s.vertex)
	}
}
