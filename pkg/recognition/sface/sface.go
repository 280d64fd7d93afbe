// Package sface provides a FaceModel built on OpenCV's YuNet detector and
// SFace recognizer, both loaded through gocv's DNN module.
package sface

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/MrCodeEU/cortex/pkg/recognition"
	"gocv.io/x/gocv"
)

// Model file names expected in the model directory.
const (
	DetectorModel   = "face_detection_yunet_2023mar.onnx"
	RecognizerModel = "face_recognition_sface_2021dec.onnx"
)

// Dimension is the length of an SFace feature vector.
const Dimension = 128

// YuNet rows hold x, y, w, h, five landmark pairs and the score.
const (
	rowWidth  = 15
	alignSize = 112
)

// Options configures the model.
type Options struct {
	ModelPath      string
	ScoreThreshold float64
	Backend        gocv.NetBackendType
	Target         gocv.NetTargetType
}

// Model implements recognition.FaceModel with YuNet and SFace.
type Model struct {
	mu         sync.Mutex
	detector   gocv.FaceDetectorYN
	recognizer gocv.FaceRecognizerSF
	loaded     bool

	// last detection pass, reused by Embed for alignment
	lastImg  image.Image
	lastMat  gocv.Mat
	lastRows [][rowWidth]float32
}

// RequiredModels returns the full paths of the model files.
func RequiredModels(modelPath string) []string {
	return []string{
		filepath.Join(modelPath, DetectorModel),
		filepath.Join(modelPath, RecognizerModel),
	}
}

// New loads the YuNet and SFace networks.
func New(opts Options) (*Model, error) {
	for _, path := range RequiredModels(opts.ModelPath) {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s", recognition.ErrModelResourceMissing, path)
		}
	}

	logging.Infof("Loading YuNet/SFace models from: %s", opts.ModelPath)

	paths := RequiredModels(opts.ModelPath)
	detector := gocv.NewFaceDetectorYNWithParams(
		paths[0],
		"",
		image.Pt(320, 320),
		float32(opts.ScoreThreshold),
		0.3,
		5000,
		int(opts.Backend),
		int(opts.Target),
	)
	recognizer := gocv.NewFaceRecognizerSFWithParams(paths[1], "", int(opts.Backend), int(opts.Target))

	logging.Info("YuNet/SFace models loaded successfully")
	return &Model{
		detector:   detector,
		recognizer: recognizer,
		loaded:     true,
		lastMat:    gocv.NewMat(),
	}, nil
}

// Name implements recognition.FaceModel.
func (m *Model) Name() string { return "sface" }

// Dimension implements recognition.FaceModel.
func (m *Model) Dimension() int { return Dimension }

// Close releases the networks.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return nil
	}
	m.detector.Close()
	m.recognizer.Close()
	m.lastMat.Close()
	m.lastImg, m.lastRows = nil, nil
	m.loaded = false
	return nil
}

// Detect runs YuNet over img.
func (m *Model) Detect(img image.Image) ([]recognition.BoundingBox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.detect(img); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	boxes := make([]recognition.BoundingBox, 0, len(m.lastRows))
	for _, row := range m.lastRows {
		box := boxFromRow(row, bounds)
		if box.Empty() {
			continue
		}
		boxes = append(boxes, box)
	}

	logging.Debugf("YuNet detected %d face(s)", len(boxes))
	return boxes, nil
}

// Embed aligns the face at box with its landmarks and runs SFace.
func (m *Model) Embed(img image.Image, box recognition.BoundingBox) (recognition.Embedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return nil, recognition.ErrModelNotLoaded
	}
	if !sameImage(m.lastImg, img) {
		if err := m.detect(img); err != nil {
			return nil, err
		}
	}

	aligned := gocv.NewMat()
	defer aligned.Close()

	bounds := img.Bounds()
	best, bestArea := -1, 0
	for i, row := range m.lastRows {
		in := boxFromRow(row, bounds).Rect().Intersect(box.Rect())
		if area := in.Dx() * in.Dy(); area > bestArea {
			best, bestArea = i, area
		}
	}

	if best >= 0 {
		faceRow := gocv.NewMatWithSize(1, rowWidth, gocv.MatTypeCV32F)
		defer faceRow.Close()
		for c, v := range m.lastRows[best] {
			faceRow.SetFloatAt(0, c, v)
		}
		m.recognizer.AlignCrop(m.lastMat, faceRow, &aligned)
	} else {
		// No landmarks for this region: fall back to a plain crop.
		r := box.Rect().Sub(bounds.Min).Intersect(image.Rect(0, 0, m.lastMat.Cols(), m.lastMat.Rows()))
		if r.Empty() {
			return nil, recognition.ErrNoFaceDetected
		}
		region := m.lastMat.Region(r)
		defer region.Close()
		gocv.Resize(region, &aligned, image.Pt(alignSize, alignSize), 0, 0, gocv.InterpolationLinear)
	}

	feature := gocv.NewMat()
	defer feature.Close()
	m.recognizer.Feature(aligned, &feature)

	raw, err := feature.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read feature: %w", err)
	}
	if len(raw) != Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", recognition.ErrDimensionMismatch, len(raw), Dimension)
	}

	return recognition.NewEmbedding(raw), nil
}

func (m *Model) detect(img image.Image) error {
	if !m.loaded {
		return recognition.ErrModelNotLoaded
	}

	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("failed to convert image: %w", err)
	}
	defer rgb.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)

	m.lastMat.Close()
	m.lastMat = bgr
	m.lastImg = img
	m.lastRows = m.lastRows[:0]

	if bgr.Empty() {
		return nil
	}

	m.detector.SetInputSize(image.Pt(bgr.Cols(), bgr.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	m.detector.Detect(bgr, &faces)

	for r := 0; r < faces.Rows(); r++ {
		var row [rowWidth]float32
		for c := 0; c < rowWidth && c < faces.Cols(); c++ {
			row[c] = faces.GetFloatAt(r, c)
		}
		m.lastRows = append(m.lastRows, row)
	}
	return nil
}

// boxFromRow converts a YuNet row to a box clipped to bounds.
func boxFromRow(row [rowWidth]float32, bounds image.Rectangle) recognition.BoundingBox {
	x, y := int(row[0]), int(row[1])
	w, h := int(row[2]+0.5), int(row[3]+0.5)
	r := image.Rect(x, y, x+w, y+h).Add(bounds.Min).Intersect(bounds)
	return recognition.BoxFromRect(r)
}

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
