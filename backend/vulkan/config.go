package vulkan

import (
	"io/fs"
	"log/slog"
	"os"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// Option configures a Backend during creation.
//
// Example:
//
//	b := vulkan.New(
//		vulkan.WithApplicationName("viewer"),
//		vulkan.WithValidation(true),
//		vulkan.WithShaderDir("shaders"),
//	)
type Option func(*config)

type config struct {
	applicationName string
	validation      bool
	shaders         fs.FS
	shaderExt       string
	blockSize       int
	driverAlloc     bool
	loader          vkapi.Loader
	logger          *slog.Logger
	onFatal         func(error)
}

func defaultConfig() config {
	return config{
		applicationName: "rendercore",
		shaders:         os.DirFS("shaders"),
		shaderExt:       "spv",
		onFatal:         func(error) { os.Exit(1) },
	}
}

// WithApplicationName sets the application name reported to the driver.
func WithApplicationName(name string) Option {
	return func(c *config) {
		c.applicationName = name
	}
}

// WithValidation requests the Khronos validation layer and a debug
// messenger. When the layer is not installed, initialization continues
// without it.
func WithValidation(enabled bool) Option {
	return func(c *config) {
		c.validation = enabled
	}
}

// WithShaderDir reads shader binaries from dir. The default is "shaders"
// relative to the working directory.
func WithShaderDir(dir string) Option {
	return func(c *config) {
		c.shaders = os.DirFS(dir)
	}
}

// WithShaderFS reads shader binaries from fsys, for example an embed.FS.
func WithShaderFS(fsys fs.FS) Option {
	return func(c *config) {
		c.shaders = fsys
	}
}

// WithShaderExt sets the extension of shader binaries, "spv" by default.
// CreateShader("model") then reads model.vert.spv and model.frag.spv.
func WithShaderExt(ext string) Option {
	return func(c *config) {
		c.shaderExt = ext
	}
}

// WithPreferredBlockSize sets the device memory block size used on heaps
// larger than 1 GiB.
func WithPreferredBlockSize(bytes int) Option {
	return func(c *config) {
		c.blockSize = bytes
	}
}

// WithDriverAllocator leaves host allocations to the driver instead of
// routing them through the renderer's tracked allocator.
func WithDriverAllocator() Option {
	return func(c *config) {
		c.driverAlloc = true
	}
}

// WithLoader sets the Vulkan loader. Without one, the window passed to
// Initialize must implement LoaderSource.
func WithLoader(loader vkapi.Loader) Option {
	return func(c *config) {
		c.loader = loader
	}
}

// WithLogger overrides backend.Logger for this backend.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithFatalHandler replaces the default reaction to fatal errors, which
// is to exit the process. The failing method still returns the error
// after the handler returns.
func WithFatalHandler(handler func(error)) Option {
	return func(c *config) {
		if handler == nil {
			handler = func(error) {}
		}
		c.onFatal = handler
	}
}

func (c *config) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return backend.Logger()
}
