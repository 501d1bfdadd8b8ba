// Command viewer opens a window and draws a spinning model with the Vulkan
// backend.
//
//	viewer -model meshes/viking_room.obj -texture images/viking_room.png
//
// Shader binaries are read from -shaders; compile them with go generate.
package main

//go:generate glslc shaders/basic.vert -o shaders/basic.vert.spv
//go:generate glslc shaders/basic.frag -o shaders/basic.frag.spv

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/loov/hrtime"

	"github.com/vkngwrapper/rendercore/backend"
	"github.com/vkngwrapper/rendercore/backend/vulkan"
	"github.com/vkngwrapper/rendercore/platform/sdlwindow"
)

const title = "rendercore viewer"

type options struct {
	device     int
	validation bool
	verbose    bool
	shaders    string
	shader     string
	model      string
	texture    string
	width      int
	height     int
	frames     int
}

func parseFlags() options {
	var o options
	flag.IntVar(&o.device, "device", 0, "index of the device to render with, in ranked order")
	flag.BoolVar(&o.validation, "validation", false, "enable the Khronos validation layer")
	flag.BoolVar(&o.verbose, "v", false, "log debug messages")
	flag.StringVar(&o.shaders, "shaders", "shaders", "directory holding compiled shader binaries")
	flag.StringVar(&o.shader, "shader", "basic", "name of the shader pair to draw with")
	flag.StringVar(&o.model, "model", "", "Wavefront OBJ file to draw, a quad when empty")
	flag.StringVar(&o.texture, "texture", "", "image to upload as a texture")
	flag.IntVar(&o.width, "width", 800, "initial window width")
	flag.IntVar(&o.height, "height", 600, "initial window height")
	flag.IntVar(&o.frames, "frames", 0, "exit after this many frames, 0 runs until the window closes")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\nBackends: %s\n\n",
			os.Args[0], strings.Join(backend.Backends(), ", "))
		flag.PrintDefaults()
	}
	flag.Parse()
	return o
}

func main() {
	runtime.LockOSThread()
	opts := parseFlags()

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	backend.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(opts); err != nil {
		log.Fatalf("%+v\n", err)
	}
}

func run(opts options) error {
	win, err := sdlwindow.New(sdlwindow.Options{
		Title:     title,
		Width:     opts.width,
		Height:    opts.height,
		Resizable: true,
	})
	if err != nil {
		return err
	}
	defer win.Close()

	// Fatal errors are returned to run so the window is closed before
	// exiting.
	r := vulkan.New(
		vulkan.WithApplicationName("viewer"),
		vulkan.WithValidation(opts.validation),
		vulkan.WithShaderDir(opts.shaders),
		vulkan.WithFatalHandler(nil),
	)
	if err := r.Initialize(win); err != nil {
		return err
	}
	defer r.Shutdown()

	if err := selectDevice(r, win, opts.device); err != nil {
		return err
	}

	model, err := createScene(r, opts)
	if err != nil {
		return err
	}

	return renderLoop(r, win, model, opts.frames)
}

// selectDevice switches to the device at index, rebuilding the backend when
// it differs from the one picked by default.
func selectDevice(r backend.Backend, win *sdlwindow.Window, index int) error {
	for _, d := range r.Devices() {
		backend.Logger().Info("device", "index", d.Index, "name", d.Name, "type", d.Type, "score", d.Score)
	}
	previous, err := r.SelectDevice(index)
	if err != nil {
		return err
	}
	if previous == index {
		return nil
	}
	if err := r.Shutdown(); err != nil {
		return err
	}
	return r.Initialize(win)
}

func createScene(r backend.Backend, opts options) (backend.ModelHandle, error) {
	shader, err := r.CreateShader(opts.shader)
	if err != nil {
		return backend.ModelHandle{}, err
	}

	m := quad()
	if opts.model != "" {
		m, err = loadOBJ(opts.model)
		if err != nil {
			return backend.ModelHandle{}, err
		}
	}
	model, err := r.CreateModel(shader, m.vertices, m.indices)
	if err != nil {
		return backend.ModelHandle{}, err
	}
	backend.Logger().Info("model loaded", "vertices", len(m.vertices), "indices", len(m.indices))

	if opts.texture != "" {
		img, err := loadImage(opts.texture)
		if err != nil {
			return backend.ModelHandle{}, err
		}
		w, h := img.Rect.Dx(), img.Rect.Dy()
		if _, err := r.CreateTexture(img.Pix[:4*w*h], backend.TextureRGBA8SRGB, w, h); err != nil {
			return backend.ModelHandle{}, err
		}
		backend.Logger().Info("texture loaded", "width", w, "height", h)
	}
	return model, nil
}

func renderLoop(r backend.Backend, win *sdlwindow.Window, model backend.ModelHandle, maxFrames int) error {
	var total, frames int
	lastTitle := hrtime.Now()

	for maxFrames == 0 || total < maxFrames {
		events := win.Poll()
		if events.Closed {
			return nil
		}
		if events.Resized {
			r.NotifyResized()
		}

		if err := drawFrame(r, win, model); err != nil {
			return err
		}
		total++
		frames++

		if elapsed := hrtime.Since(lastTitle); elapsed >= time.Second {
			win.SetTitle(fmt.Sprintf("%s - %.0f fps (%s)", title,
				float64(frames)/elapsed.Seconds(), r.Stats().LastFrame.Round(time.Microsecond)))
			lastTitle = hrtime.Now()
			frames = 0
		}
	}

	stats := r.Stats()
	backend.Logger().Info("frame limit reached", "submitted", stats.Submitted, "skipped", stats.Skipped)
	return nil
}

func drawFrame(r backend.Backend, win *sdlwindow.Window, model backend.ModelHandle) error {
	if err := r.BeginFrame(); err != nil {
		return err
	}
	width, height := win.Size()
	if err := r.SetUniforms(uniforms(width, height)); err != nil {
		return err
	}
	if err := r.Render(model); err != nil {
		return errors.Wrap(err, "rendering model")
	}
	return r.Present()
}

// uniforms spins the model a quarter turn per second around Z.
func uniforms(width, height int) backend.Uniforms {
	currentTime := hrtime.Now().Seconds()
	timePeriod := math.Mod(currentTime, 4.0)

	aspectRatio := float32(1)
	if width > 0 && height > 0 {
		aspectRatio = float32(width) / float32(height)
	}

	proj := mgl32.Perspective(math.Pi/4.0, aspectRatio, 0.1, 10.0)
	// Vulkan clip space has Y pointing down.
	proj[5] *= -1

	return backend.Uniforms{
		Model: mgl32.HomogRotate3DZ(float32(timePeriod * math.Pi / 2.0)),
		View:  mgl32.LookAtV(mgl32.Vec3{2, 2, 2}, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, 1}),
		Proj:  proj,
	}
}
