// Package dlib provides a FaceModel backed by dlib through go-face.
// It uses dlib for face detection, landmark extraction and 128-dimensional
// embedding generation in a single pass.
package dlib

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/MrCodeEU/cortex/pkg/recognition"
)

// Dimension is the length of a dlib face descriptor.
const Dimension = 128

// RequiredModels lists the files that must be present in the model directory.
var RequiredModels = []string{
	"shape_predictor_5_face_landmarks.dat",
	"dlib_face_recognition_resnet_model_v1.dat",
	"mmod_human_face_detector.dat",
}

// FaceEngine is the subset of go-face used by the model.
type FaceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// Model implements recognition.FaceModel with go-face.
type Model struct {
	mu     sync.Mutex
	engine FaceEngine

	// last detection pass, reused by Embed for the same image
	lastImg   image.Image
	lastFaces []face.Face
}

// New loads the dlib models from modelPath.
func New(modelPath string) (*Model, error) {
	return newModel(modelPath, func(path string) (FaceEngine, error) {
		return face.NewRecognizer(path)
	})
}

func newModel(modelPath string, factory func(string) (FaceEngine, error)) (*Model, error) {
	for _, name := range RequiredModels {
		if _, err := os.Stat(filepath.Join(modelPath, name)); err != nil {
			return nil, fmt.Errorf("%w: %s", recognition.ErrModelResourceMissing, filepath.Join(modelPath, name))
		}
	}

	logging.Infof("Loading dlib face recognition models from: %s", modelPath)

	engine, err := factory(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}

	logging.Info("dlib face recognition models loaded successfully")
	return &Model{engine: engine}, nil
}

// Name implements recognition.FaceModel.
func (m *Model) Name() string { return "dlib" }

// Dimension implements recognition.FaceModel.
func (m *Model) Dimension() int { return Dimension }

// Close releases the recognizer resources.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil {
		m.engine.Close()
		m.engine = nil
	}
	m.lastImg, m.lastFaces = nil, nil
	return nil
}

// Detect finds all faces in img.
func (m *Model) Detect(img image.Image) ([]recognition.BoundingBox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	faces, err := m.recognize(img)
	if err != nil {
		return nil, err
	}

	boxes := make([]recognition.BoundingBox, len(faces))
	for i, f := range faces {
		boxes[i] = recognition.BoxFromRect(f.Rectangle)
	}

	logging.Debugf("dlib detected %d face(s)", len(boxes))
	return boxes, nil
}

// Embed returns the descriptor of the face at box. dlib computes
// descriptors during detection, so this reuses the last pass when img is
// the image Detect saw and re-runs recognition otherwise.
func (m *Model) Embed(img image.Image, box recognition.BoundingBox) (recognition.Embedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	faces := m.lastFaces
	if !sameImage(m.lastImg, img) {
		var err error
		if faces, err = m.recognize(img); err != nil {
			return nil, err
		}
	}

	best, bestArea := -1, 0
	for i, f := range faces {
		area := overlap(f.Rectangle, box.Rect())
		if area > bestArea {
			best, bestArea = i, area
		}
	}
	if best < 0 {
		return nil, recognition.ErrNoFaceDetected
	}

	d := faces[best].Descriptor
	return recognition.NewEmbedding(d[:]), nil
}

func (m *Model) recognize(img image.Image) ([]face.Face, error) {
	if m.engine == nil {
		return nil, recognition.ErrModelNotLoaded
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	faces, err := m.engine.Recognize(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	m.lastImg, m.lastFaces = img, faces
	return faces, nil
}

// sameImage compares by identity. Only pointer-backed images qualify.
func sameImage(a, b image.Image) bool {
	if a == nil || b == nil {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != reflect.Ptr || vb.Kind() != reflect.Ptr {
		return false
	}
	return va.Type() == vb.Type() && va.Pointer() == vb.Pointer()
}

func overlap(a, b image.Rectangle) int {
	in := a.Intersect(b)
	return in.Dx() * in.Dy()
}
