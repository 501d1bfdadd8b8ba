// Package sdlwindow provides a backend.Window on top of SDL2. The window
// creates Vulkan surfaces through vkngwrapper's SDL2 integration and loads
// the Vulkan driver through SDL.
//
// SDL must be driven from the main thread; callers lock it with
// runtime.LockOSThread before calling New.
package sdlwindow

import (
	"github.com/cockroachdb/errors"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/internal/vkapi"
	"github.com/vkngwrapper/rendercore/internal/vkapi/vkng"
)

type Options struct {
	Title     string
	Width     int
	Height    int
	Resizable bool
}

// Window is an SDL window created with Vulkan support.
type Window struct {
	window *sdl.Window

	focused   bool
	minimized bool
	resized   bool
	closed    bool
}

var (
	_ backend.Window      = (*Window)(nil)
	_ vkapi.SurfaceSource = (*Window)(nil)
)

// New initializes the SDL video subsystem and opens a window.
func New(opts Options) (*Window, error) {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return nil, errors.Wrap(err, "initializing SDL video")
	}

	flags := uint32(sdl.WINDOW_SHOWN | sdl.WINDOW_VULKAN)
	if opts.Resizable {
		flags |= sdl.WINDOW_RESIZABLE
	}
	window, err := sdl.CreateWindow(opts.Title, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(opts.Width), int32(opts.Height), flags)
	if err != nil {
		sdl.Quit()
		return nil, errors.Wrapf(err, "creating %dx%d window", opts.Width, opts.Height)
	}
	return &Window{window: window, focused: true}, nil
}

// Size returns the drawable size in pixels, which is zero while the window
// is minimized.
func (w *Window) Size() (int, int) {
	if w.minimized || w.window.GetFlags()&sdl.WINDOW_MINIMIZED != 0 {
		return 0, 0
	}
	width, height := w.window.VulkanGetDrawableSize()
	return int(width), int(height)
}

// Poll drains the SDL event queue.
func (w *Window) Poll() backend.WindowEvents {
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		switch e := event.(type) {
		case *sdl.QuitEvent:
			w.closed = true
		case *sdl.WindowEvent:
			switch e.Event {
			case sdl.WINDOWEVENT_CLOSE:
				w.closed = true
			case sdl.WINDOWEVENT_FOCUS_GAINED:
				w.focused = true
			case sdl.WINDOWEVENT_FOCUS_LOST:
				w.focused = false
			case sdl.WINDOWEVENT_MINIMIZED:
				w.minimized = true
				w.resized = true
			case sdl.WINDOWEVENT_RESTORED:
				w.minimized = false
				w.resized = true
			case sdl.WINDOWEVENT_RESIZED, sdl.WINDOWEVENT_SIZE_CHANGED:
				w.resized = true
			}
		}
	}

	ev := backend.WindowEvents{Focused: w.focused, Resized: w.resized, Closed: w.closed}
	w.resized = false
	w.closed = false
	return ev
}

func (w *Window) RequiredInstanceExtensions() []string {
	return w.window.VulkanGetInstanceExtensions()
}

// CreateSurface creates a surface for instance, which must come from the
// loader returned by VulkanLoader.
func (w *Window) CreateSurface(instance vkapi.Instance) (vkapi.Surface, error) {
	inst, ok := instance.(*vkng.Instance)
	if !ok {
		return vkapi.Surface{}, errors.Wrapf(backend.ErrUnsupported, "cannot create an SDL surface for %T", instance)
	}
	surface, err := vkng_sdl2.CreateSurface(inst.CoreInstance(), inst.SurfaceDriver(), w.window)
	if err != nil {
		return vkapi.Surface{}, errors.Wrap(err, "creating SDL surface")
	}
	return inst.AdoptSurface(surface), nil
}

// VulkanLoader loads the Vulkan driver SDL was built against.
func (w *Window) VulkanLoader() (vkapi.Loader, error) {
	loader, err := vkng.NewLoader(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return nil, err
	}
	return loader, nil
}

func (w *Window) SetTitle(title string) {
	w.window.SetTitle(title)
}

// Close destroys the window and shuts SDL down. Backends using the window
// must be shut down first.
func (w *Window) Close() error {
	err := w.window.Destroy()
	sdl.Quit()
	return errors.Wrap(err, "destroying window")
}
