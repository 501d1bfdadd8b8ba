package main

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const square = `o square
v -1 -1 0
v 1 -1 0
v 1 1 0
v -1 1 0
vt 0 0
vt 1 0
vt 1 1
vt 0 1
f 1/1 2/2 3/3 4/4
`

func TestLoadOBJTriangulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "square.obj")
	require.NoError(t, os.WriteFile(path, []byte(square), 0o644))

	m, err := loadOBJ(path)
	require.NoError(t, err)
	assert.Len(t, m.vertices, 4)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, m.indices)

	assert.Equal(t, mgl32.Vec3{1, 1, 0}, m.vertices[2].Position)
	assert.Equal(t, mgl32.Vec2{1, 0}, m.vertices[2].TexCoord, "V is flipped")
	assert.Equal(t, mgl32.Vec3{1, 1, 1}, m.vertices[0].Color)
}

func TestLoadOBJMissing(t *testing.T) {
	_, err := loadOBJ(filepath.Join(t.TempDir(), "missing.obj"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestQuad(t *testing.T) {
	m := quad()
	for _, i := range m.indices {
		assert.Less(t, int(i), len(m.vertices))
	}
}

func TestToRGBA(t *testing.T) {
	src := image.NewNRGBA(image.Rect(2, 2, 4, 3))
	src.Set(2, 2, color.NRGBA{R: 255, A: 255})
	src.Set(3, 2, color.NRGBA{G: 255, A: 255})

	dst := toRGBA(src)
	assert.Equal(t, image.Rect(0, 0, 2, 1), dst.Rect)
	assert.Equal(t, []byte{255, 0, 0, 255, 0, 255, 0, 255}, dst.Pix)

	packed := image.NewRGBA(image.Rect(0, 0, 2, 2))
	assert.Same(t, packed, toRGBA(packed))
}

func TestUniformsFlipY(t *testing.T) {
	u := uniforms(800, 600)
	assert.Less(t, u.Proj[5], float32(0))
	assert.InDelta(t, -u.Proj[5]/u.Proj[0], float32(800.0/600.0), 1e-5)

	u = uniforms(0, 0)
	assert.InDelta(t, -u.Proj[5], u.Proj[0], 1e-5, "square aspect while minimized")
}
