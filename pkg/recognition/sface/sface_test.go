package sface

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrCodeEU/cortex/pkg/recognition"
)

func TestNew_MissingModels(t *testing.T) {
	dir := t.TempDir()

	_, err := New(Options{ModelPath: dir, ScoreThreshold: 0.9})
	if !errors.Is(err, recognition.ErrModelResourceMissing) {
		t.Fatalf("expected ErrModelResourceMissing, got %v", err)
	}

	// One of two files present is still missing a resource.
	if err := os.WriteFile(filepath.Join(dir, DetectorModel), []byte("onnx"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = New(Options{ModelPath: dir, ScoreThreshold: 0.9})
	if !errors.Is(err, recognition.ErrModelResourceMissing) {
		t.Errorf("expected ErrModelResourceMissing for recognizer, got %v", err)
	}
}

func TestRequiredModels(t *testing.T) {
	paths := RequiredModels("/models")
	if len(paths) != 2 {
		t.Fatalf("expected 2 model paths, got %d", len(paths))
	}
	if paths[0] != "/models/"+DetectorModel || paths[1] != "/models/"+RecognizerModel {
		t.Errorf("unexpected model paths %v", paths)
	}
}

func TestBoxFromRow(t *testing.T) {
	tests := []struct {
		name   string
		row    [rowWidth]float32
		bounds image.Rectangle
		want   recognition.BoundingBox
	}{
		{
			name:   "inside",
			row:    [rowWidth]float32{10, 20, 30, 40},
			bounds: image.Rect(0, 0, 100, 100),
			want:   recognition.BoundingBox{Top: 20, Right: 40, Bottom: 60, Left: 10},
		},
		{
			name:   "clipped at the edge",
			row:    [rowWidth]float32{-5, 80, 30, 40},
			bounds: image.Rect(0, 0, 100, 100),
			want:   recognition.BoundingBox{Top: 80, Right: 25, Bottom: 100, Left: 0},
		},
		{
			name:   "offset bounds",
			row:    [rowWidth]float32{0, 0, 10, 10},
			bounds: image.Rect(50, 50, 100, 100),
			want:   recognition.BoundingBox{Top: 50, Right: 60, Bottom: 60, Left: 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := boxFromRow(tt.row, tt.bounds); got != tt.want {
				t.Errorf("boxFromRow() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSameImage(t *testing.T) {
	a := image.NewRGBA(image.Rect(0, 0, 4, 4))
	b := image.NewRGBA(image.Rect(0, 0, 4, 4))

	if !sameImage(a, a) {
		t.Error("an image must be the same as itself")
	}
	if sameImage(a, b) {
		t.Error("distinct images must differ")
	}
	if sameImage(nil, a) {
		t.Error("nil never matches")
	}
}
