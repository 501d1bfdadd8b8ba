// Package backend defines the rendering backend capability set used by the
// engine, together with a registry of backend implementations.
//
// A backend owns the graphics API context, the presentation chain and the
// per-frame synchronization. Backend packages register themselves from
// init, so importing one is enough to make it available through Open.
package backend

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// Backend is the interface implemented by rendering backends.
//
// All methods are expected to be called from a single thread, usually the
// main thread locked with runtime.LockOSThread.
type Backend interface {
	// Name returns the registered name of the backend.
	Name() string

	// Initialize creates the API context for win. It selects the device at
	// the current device index (0 after the first enumeration).
	Initialize(win Window) error

	// BeginFrame waits for the current frame slot, acquires a presentable
	// image and starts recording. A frame may be skipped when the
	// presentation chain is stale; Render and Present still have to be
	// called and do nothing in that case.
	BeginFrame() error

	// Present finishes recording, submits and presents the frame.
	Present() error

	// CreateShader loads the vertex and fragment programs called name.
	CreateShader(name string) (ShaderHandle, error)

	// CreateTexture uploads tightly packed pixels to a sampled image.
	CreateTexture(pixels []byte, format TextureFormat, width, height int) (TextureHandle, error)

	// CreateModel uploads an indexed triangle list drawn with shader.
	CreateModel(shader ShaderHandle, vertices []Vertex, indices []uint32) (ModelHandle, error)

	// SetUniforms updates the uniform block of the frame being recorded.
	SetUniforms(u Uniforms) error

	// Render records a draw of model. It is only valid between BeginFrame
	// and Present.
	Render(model ModelHandle) error

	// Devices returns the ranked devices found by the last initialization.
	Devices() []DeviceInfo

	// SelectDevice changes the device used by the next Initialize and
	// returns the previous index. It does not rebuild a live context; the
	// caller shuts the backend down and initializes it again.
	SelectDevice(index int) (previous int, err error)

	// NotifyResized marks the presentation chain for rebuild.
	NotifyResized()

	// Stats returns frame counters.
	Stats() FrameStats

	// Shutdown waits for the device to go idle and destroys everything the
	// backend created. A shut down backend may be initialized again.
	Shutdown() error
}

// WindowEvents is what a window reports on each poll. Resized and Closed
// are edge triggered: a poll clears them.
type WindowEvents struct {
	Focused bool
	Resized bool
	Closed  bool
}

// Window is the windowing collaborator consumed by backends. Backends may
// require additional interfaces, such as a way to create a presentation
// surface for their API.
type Window interface {
	Size() (width, height int)
	Poll() WindowEvents
	RequiredInstanceExtensions() []string
}

type (
	ShaderHandle  struct{ id uuid.UUID }
	TextureHandle struct{ id uuid.UUID }
	ModelHandle   struct{ id uuid.UUID }
)

func NewShaderHandle() ShaderHandle   { return ShaderHandle{id: uuid.New()} }
func NewTextureHandle() TextureHandle { return TextureHandle{id: uuid.New()} }
func NewModelHandle() ModelHandle     { return ModelHandle{id: uuid.New()} }

func (h ShaderHandle) ID() uuid.UUID  { return h.id }
func (h TextureHandle) ID() uuid.UUID { return h.id }
func (h ModelHandle) ID() uuid.UUID   { return h.id }

func (h ShaderHandle) String() string  { return "shader:" + h.id.String() }
func (h TextureHandle) String() string { return "texture:" + h.id.String() }
func (h ModelHandle) String() string   { return "model:" + h.id.String() }

// TextureFormat is the pixel layout of texture data.
type TextureFormat int

const (
	TextureRGBA8SRGB TextureFormat = iota
	TextureRGBA8Unorm
	TextureBGRA8SRGB
)

// BytesPerPixel returns the size of one pixel.
func (f TextureFormat) BytesPerPixel() int { return 4 }

// Vertex is the vertex layout every shader receives: location 0 is the
// position, 1 the color and 2 the texture coordinate.
type Vertex struct {
	Position mgl32.Vec3
	Color    mgl32.Vec3
	TexCoord mgl32.Vec2
}

// Uniforms is the per-frame uniform block bound at set 0, binding 0.
type Uniforms struct {
	Model mgl32.Mat4
	View  mgl32.Mat4
	Proj  mgl32.Mat4
}

// DeviceInfo describes one ranked device.
type DeviceInfo struct {
	Index     int
	Name      string
	Type      string
	VendorID  uint32
	DeviceID  uint32
	HeapBytes int64
	Score     uint64
}

// FrameStats counts frame outcomes since initialization.
type FrameStats struct {
	Submitted uint64
	Skipped   uint64
	Resizes   uint64
	LastFrame time.Duration
}

var (
	// ErrNotInitialized is returned by methods that need a live context.
	ErrNotInitialized = errors.New("backend: not initialized")
	// ErrNoDevice means no device satisfied the backend requirements.
	ErrNoDevice = errors.New("backend: no suitable device found")
	// ErrDeviceIndex is returned by SelectDevice for out of range indices.
	ErrDeviceIndex = errors.New("backend: device index out of range")
	// ErrUnknownHandle is returned for handles the backend did not create
	// or has already destroyed.
	ErrUnknownHandle = errors.New("backend: unknown handle")
	// ErrOutsideFrame marks frame commands issued outside BeginFrame and
	// Present. It is always fatal.
	ErrOutsideFrame = errors.New("backend: called outside a frame")
	// ErrUnsupported is returned when the window or device lacks something
	// the backend needs.
	ErrUnsupported = errors.New("backend: unsupported")
	// ErrFatal marks errors after which the backend cannot continue.
	ErrFatal = errors.New("backend: fatal error")
)

// IsFatal reports whether err was marked as fatal by a backend.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
