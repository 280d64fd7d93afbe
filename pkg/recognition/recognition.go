// Package recognition defines the face model contract and the embedding
// matcher used by the recognition pipeline.
//
// Score convention: every embedding is L2-normalised on construction and
// compared with cosine similarity. Scores range from -1 to 1, higher is
// better, and a probe matches when its best score is >= the tolerance.
//
// Tolerances are backend specific. SFace's published cosine threshold is
// 0.363. dlib descriptors are trained for a Euclidean distance of 0.6; for
// unit vectors cosine = 1 - d*d/2, so the equivalent tolerance is 0.82.
package recognition

import (
	"errors"
	"image"

	"gonum.org/v1/gonum/floats"
)

// Unknown is the label reported for faces that match no enrolled identity.
const Unknown = "Unknown"

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrModelResourceMissing is returned when model files are absent at startup.
var ErrModelResourceMissing = errors.New("model resource missing")

// ErrModelNotLoaded is returned when a backend is used after Close.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// ErrDimensionMismatch is returned when an embedding has the wrong length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// BoundingBox is a face region in pixel coordinates of the image it was
// detected in.
type BoundingBox struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// BoxFromRect converts an image.Rectangle into a BoundingBox.
func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Left: r.Min.X}
}

// Rect returns the box as an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Scale multiplies every coordinate by factor. Scaling by 1/s undoes a
// downscale by s.
func (b BoundingBox) Scale(factor float64) BoundingBox {
	scale := func(v int) int { return int(float64(v)*factor + 0.5) }
	return BoundingBox{
		Top:    scale(b.Top),
		Right:  scale(b.Right),
		Bottom: scale(b.Bottom),
		Left:   scale(b.Left),
	}
}

// Empty reports whether the box has no area.
func (b BoundingBox) Empty() bool {
	return b.Right <= b.Left || b.Bottom <= b.Top
}

// Embedding is a unit-length face descriptor.
type Embedding []float64

// NewEmbedding copies a raw model descriptor and normalises it to unit
// length. A zero vector stays zero.
func NewEmbedding(raw []float32) Embedding {
	e := make(Embedding, len(raw))
	for i, v := range raw {
		e[i] = float64(v)
	}
	if norm := floats.Norm(e, 2); norm > 0 {
		floats.Scale(1/norm, e)
	}
	return e
}

// Similarity returns the cosine similarity of a and b, or -1 when the
// vectors cannot be compared.
func Similarity(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}

	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return -1
	}

	s := floats.Dot(a, b) / (na * nb)
	if s > 1 {
		s = 1
	}
	if s < -1 {
		s = -1
	}
	return s
}

// FaceObservation is one detected face and its embedding.
type FaceObservation struct {
	Box       BoundingBox
	Embedding Embedding
}

// FaceModel detects faces and computes embeddings. Implementations must be
// safe for concurrent use; enrollment and the recognition worker share one.
type FaceModel interface {
	// Name identifies the backend in logs.
	Name() string
	// Dimension is the fixed embedding length D.
	Dimension() int
	// Detect returns the face regions in img. No faces is not an error.
	Detect(img image.Image) ([]BoundingBox, error)
	// Embed computes the embedding of the face at box in img.
	Embed(img image.Image, box BoundingBox) (Embedding, error)
	Close() error
}
