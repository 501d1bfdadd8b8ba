package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/vkngwrapper/rendercore/backend"
)

// mesh is an indexed triangle list ready for upload.
type mesh struct {
	vertices []backend.Vertex
	indices  []uint32
}

// quad is drawn when no model file is given.
func quad() mesh {
	return mesh{
		vertices: []backend.Vertex{
			{Position: mgl32.Vec3{-0.5, -0.5, 0}, Color: mgl32.Vec3{1, 0, 0}, TexCoord: mgl32.Vec2{1, 0}},
			{Position: mgl32.Vec3{0.5, -0.5, 0}, Color: mgl32.Vec3{0, 1, 0}, TexCoord: mgl32.Vec2{0, 0}},
			{Position: mgl32.Vec3{0.5, 0.5, 0}, Color: mgl32.Vec3{0, 0, 1}, TexCoord: mgl32.Vec2{0, 1}},
			{Position: mgl32.Vec3{-0.5, 0.5, 0}, Color: mgl32.Vec3{1, 1, 1}, TexCoord: mgl32.Vec2{1, 1}},
		},
		indices: []uint32{0, 1, 2, 2, 3, 0},
	}
}

func (m *mesh) addVertex(decoder *obj.Decoder, uniqueVertices map[int]uint32, face obj.Face, faceIndex int) {
	vertInd := face.Vertices[faceIndex]
	index, vertexExists := uniqueVertices[vertInd]

	if !vertexExists {
		vert := backend.Vertex{Position: mgl32.Vec3{
			decoder.Vertices[vertInd*3],
			decoder.Vertices[vertInd*3+1],
			decoder.Vertices[vertInd*3+2],
		}, Color: mgl32.Vec3{1, 1, 1}}

		if faceIndex < len(face.Uvs) {
			uvInd := face.Uvs[faceIndex]
			vert.TexCoord = mgl32.Vec2{
				decoder.Uvs[uvInd*2],
				1.0 - decoder.Uvs[uvInd*2+1],
			}
		}

		index = uint32(len(m.vertices))
		m.vertices = append(m.vertices, vert)
		uniqueVertices[vertInd] = index
	}

	m.indices = append(m.indices, index)
}

// loadOBJ reads a Wavefront OBJ file. A material library next to it with
// the same base name is used when present.
func loadOBJ(path string) (mesh, error) {
	meshFile, err := os.Open(path)
	if err != nil {
		return mesh{}, errors.WithStack(err)
	}
	defer meshFile.Close()

	var m mesh
	mtlPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".mtl"
	matFile, err := os.Open(mtlPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		decoder, err := obj.DecodeReader(meshFile, strings.NewReader(""))
		if err != nil {
			return mesh{}, errors.Wrapf(err, "decoding %s", path)
		}
		m.triangulate(decoder)
	case err != nil:
		return mesh{}, errors.WithStack(err)
	default:
		defer matFile.Close()
		decoder, err := obj.DecodeReader(meshFile, matFile)
		if err != nil {
			return mesh{}, errors.Wrapf(err, "decoding %s", path)
		}
		m.triangulate(decoder)
	}

	if len(m.indices) == 0 {
		return mesh{}, errors.Newf("%s has no faces", path)
	}
	return m, nil
}

func (m *mesh) triangulate(decoder *obj.Decoder) {
	uniqueVertices := make(map[int]uint32)

	for _, decodedObj := range decoder.Objects {
		for _, face := range decodedObj.Faces {
			for i := 2; i < len(face.Vertices); i++ {
				m.addVertex(decoder, uniqueVertices, face, 0)
				m.addVertex(decoder, uniqueVertices, face, i-1)
				m.addVertex(decoder, uniqueVertices, face, i)
			}
		}
	}
}
