package backend

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBackend is only ever registered and opened, never driven.
type stubBackend struct {
	Backend
	name string
}

func (s *stubBackend) Name() string { return s.name }

func register(t *testing.T, name string) {
	t.Helper()
	Register(FactoryFunc{
		BackendName: name,
		Create:      func() Backend { return &stubBackend{name: name} },
	})
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		delete(factories, name)
	})
}

func TestRegistry(t *testing.T) {
	register(t, "zeta")
	register(t, "alpha")

	names := Backends()
	assert.Contains(t, names, "zeta")
	assert.Contains(t, names, "alpha")
	assert.IsIncreasing(t, names)

	b, err := Open("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", b.Name())

	_, err = Open("metal")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorContains(t, err, `"metal"`)
}

func TestRegisterReplaces(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { SetLogger(nil) })

	register(t, "dup")
	Register(FactoryFunc{
		BackendName: "dup",
		Create:      func() Backend { return &stubBackend{name: "second"} },
	})

	b, err := Open("dup")
	require.NoError(t, err)
	assert.Equal(t, "second", b.Name())
	assert.Equal(t, 1, strings.Count(buf.String(), "backend replaced"))
}

func TestLogger(t *testing.T) {
	assert.False(t, Logger().Enabled(t.Context(), slog.LevelError), "silent by default")

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	Logger().Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")

	SetLogger(nil)
	assert.False(t, Logger().Enabled(t.Context(), slog.LevelError))
}

func TestHandles(t *testing.T) {
	a, b := NewModelHandle(), NewModelHandle()
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, strings.HasPrefix(a.String(), "model:"))
	assert.True(t, strings.HasPrefix(NewShaderHandle().String(), "shader:"))
	assert.True(t, strings.HasPrefix(NewTextureHandle().String(), "texture:"))

	var zero ShaderHandle
	assert.NotEqual(t, zero, NewShaderHandle())
}

func TestFixedLayouts(t *testing.T) {
	assert.Equal(t, 32, binary.Size(Vertex{}))
	assert.Equal(t, 192, binary.Size(Uniforms{}))
	assert.Equal(t, 4, TextureBGRA8SRGB.BytesPerPixel())
}

func TestIsFatal(t *testing.T) {
	err := errors.Wrap(errors.Mark(errors.New("device lost"), ErrFatal), "presenting")
	assert.True(t, IsFatal(err))
	assert.False(t, IsFatal(errors.Wrap(ErrUnknownHandle, "render")))
	assert.False(t, IsFatal(nil))
}
