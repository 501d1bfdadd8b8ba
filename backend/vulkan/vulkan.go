// Package vulkan implements backend.Backend on Vulkan.
//
// Importing the package registers the backend as "vulkan":
//
//	import _ "github.com/vkngwrapper/rendercore/backend/vulkan"
//
//	b, err := backend.Open("vulkan")
//
// The backend keeps three frames in flight. Each frame slot owns a fence,
// an acquire semaphore, a render semaphore, a command buffer, a uniform
// buffer and the descriptor set pointing at it.
package vulkan

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

// Name is the name the backend registers under.
const Name = "vulkan"

// framesInFlight is the number of frame slots and the requested
// presentation chain length.
const framesInFlight = 3

func init() {
	backend.Register(backend.FactoryFunc{
		BackendName: Name,
		Create:      func() backend.Backend { return New() },
	})
}

// LoaderSource is implemented by windows that know how to load the Vulkan
// driver, typically through their windowing library.
type LoaderSource interface {
	VulkanLoader() (vkapi.Loader, error)
}

// Backend is the Vulkan rendering backend. It is not safe for concurrent
// use.
type Backend struct {
	cfg config

	deviceIndex int
	devices     []deviceDescriptor

	ctx   *renderContext
	stats backend.FrameStats
}

var _ backend.Backend = (*Backend)(nil)

func New(opts ...Option) *Backend {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return Name }

// fatal marks err as fatal, logs it and hands it to the fatal handler.
func (b *Backend) fatal(err error) error {
	err = errors.Mark(err, backend.ErrFatal)
	b.cfg.log().Error("fatal renderer error", "err", err)
	b.cfg.onFatal(err)
	return err
}

// Initialize creates the Vulkan context for win. Every failure is fatal.
func (b *Backend) Initialize(win backend.Window) error {
	if b.ctx != nil {
		return b.fatal(errors.AssertionFailedf("vulkan: Initialize called on a live backend"))
	}
	ctx, err := b.initialize(win)
	if err != nil {
		return b.fatal(err)
	}
	b.ctx = ctx
	b.stats = backend.FrameStats{}
	return nil
}

func (b *Backend) Devices() []backend.DeviceInfo {
	out := make([]backend.DeviceInfo, 0, len(b.devices))
	for i, d := range b.devices {
		out = append(out, d.info(i))
	}
	return out
}

// SelectDevice records the device used by the next Initialize. The live
// context keeps running on the old device until the caller shuts the
// backend down and initializes it again.
func (b *Backend) SelectDevice(index int) (int, error) {
	previous := b.deviceIndex
	if index < 0 || index >= len(b.devices) {
		return previous, errors.Wrapf(backend.ErrDeviceIndex, "index %d of %d devices", index, len(b.devices))
	}
	if index == previous {
		return previous, nil
	}
	b.deviceIndex = index
	d := b.devices[index]
	b.cfg.log().Info("device selected",
		"index", index,
		"name", d.props.Name,
		"type", d.props.Type.String(),
		"vendor", d.props.VendorID,
		"device", d.props.DeviceID,
		"score", d.score,
		"previous", previous)
	return previous, nil
}

func (b *Backend) NotifyResized() {
	if b.ctx != nil {
		b.ctx.stale = true
	}
}

func (b *Backend) Stats() backend.FrameStats {
	return b.stats
}

// Shutdown drains the device and destroys everything in reverse creation
// order. Shutting down an uninitialized backend does nothing.
func (b *Backend) Shutdown() error {
	if b.ctx == nil {
		return nil
	}
	ctx := b.ctx
	b.ctx = nil
	if ctx.inFrame {
		b.cfg.log().Warn("shutdown inside a frame")
	}
	if err := ctx.device.WaitIdle(); err != nil {
		b.cfg.log().Warn("device did not go idle before shutdown", "err", err)
	}
	ctx.teardown()
	b.cfg.log().Info("renderer shut down",
		"submitted", b.stats.Submitted,
		"skipped", b.stats.Skipped,
		"resizes", b.stats.Resizes)
	return nil
}

func (b *Backend) context() (*renderContext, error) {
	if b.ctx == nil {
		return nil, backend.ErrNotInitialized
	}
	return b.ctx, nil
}
