// Package recognitiontest provides a deterministic FaceModel for tests.
//
// The fake keys faces on the colour of an image: tests paint solid-colour
// images and register which faces each colour "contains". Colours survive
// JPEG round trips and downscaling closely enough to be matched by nearest
// distance.
package recognitiontest

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"

	"github.com/MrCodeEU/cortex/pkg/recognition"
)

// Face is a face the fake reports. Box is given in fractions of the image
// size so detections follow the image through any rescale.
type Face struct {
	X0, Y0, X1, Y1 float64
	Embedding      recognition.Embedding
	EmbedErr       error
}

// Model is a FaceModel driven by registered colours.
type Model struct {
	mu        sync.Mutex
	scenes    map[color.RGBA][]Face
	DetectErr error
	Dim       int

	DetectCalls atomic.Int64
	EmbedCalls  atomic.Int64
}

// NewModel returns an empty fake with embedding dimension dim.
func NewModel(dim int) *Model {
	return &Model{scenes: make(map[color.RGBA][]Face), Dim: dim}
}

// Register declares that images painted with c contain faces.
func (m *Model) Register(c color.RGBA, faces ...Face) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes[c] = faces
}

// Image returns a solid w x h image of colour c.
func Image(c color.RGBA, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

// Vector builds a normalised embedding from raw values.
func Vector(values ...float32) recognition.Embedding {
	return recognition.NewEmbedding(values)
}

// Name implements recognition.FaceModel.
func (m *Model) Name() string { return "fake" }

// Dimension implements recognition.FaceModel.
func (m *Model) Dimension() int { return m.Dim }

// Close implements recognition.FaceModel.
func (m *Model) Close() error { return nil }

// Detect implements recognition.FaceModel.
func (m *Model) Detect(img image.Image) ([]recognition.BoundingBox, error) {
	m.DetectCalls.Add(1)
	if m.DetectErr != nil {
		return nil, m.DetectErr
	}

	faces := m.lookup(img)
	boxes := make([]recognition.BoundingBox, len(faces))
	for i, f := range faces {
		boxes[i] = boxFor(img.Bounds(), f)
	}
	return boxes, nil
}

// Embed implements recognition.FaceModel.
func (m *Model) Embed(img image.Image, box recognition.BoundingBox) (recognition.Embedding, error) {
	m.EmbedCalls.Add(1)
	for _, f := range m.lookup(img) {
		if boxFor(img.Bounds(), f) != box {
			continue
		}
		if f.EmbedErr != nil {
			return nil, f.EmbedErr
		}
		return f.Embedding, nil
	}
	return nil, errors.New("fake: no face at box")
}

func (m *Model) lookup(img image.Image) []Face {
	b := img.Bounds()
	if b.Empty() {
		return nil
	}
	r, g, bl, _ := img.At(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2).RGBA()
	probe := color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8), A: 255}

	m.mu.Lock()
	defer m.mu.Unlock()

	const maxDist = 24 * 24 * 3
	best, bestDist := []Face(nil), maxDist+1
	for c, faces := range m.scenes {
		if d := dist(c, probe); d < bestDist {
			best, bestDist = faces, d
		}
	}
	return best
}

func dist(a, b color.RGBA) int {
	dr := int(a.R) - int(b.R)
	dg := int(a.G) - int(b.G)
	db := int(a.B) - int(b.B)
	return dr*dr + dg*dg + db*db
}

func boxFor(b image.Rectangle, f Face) recognition.BoundingBox {
	w, h := float64(b.Dx()), float64(b.Dy())
	return recognition.BoundingBox{
		Left:   b.Min.X + int(f.X0*w),
		Top:    b.Min.Y + int(f.Y0*h),
		Right:  b.Min.X + int(f.X1*w),
		Bottom: b.Min.Y + int(f.Y1*h),
	}
}
