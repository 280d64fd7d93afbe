package pipeline

import (
	"image"
	"sync"
	"testing"

	"github.com/MrCodeEU/cortex/pkg/recognition"
	"github.com/MrCodeEU/cortex/pkg/recognition/recognitiontest"
)

func TestResultCache_InitiallyEmpty(t *testing.T) {
	c := NewResultCache()
	snap := c.Current()
	if snap == nil {
		t.Fatal("Current() returned nil")
	}
	if len(snap.Faces) != 0 {
		t.Errorf("expected no faces, got %d", len(snap.Faces))
	}
}

func TestResultCache_ConcurrentPublish(t *testing.T) {
	c := NewResultCache()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			c.Publish(&Snapshot{Seq: seq, Faces: []LabeledFace{{Label: "x"}}})
		}(uint64(i))
	}
	for i := 0; i < 50; i++ {
		if s := c.Current(); s.Seq != 0 && len(s.Faces) != 1 {
			t.Fatal("observed a torn snapshot")
		}
	}
	wg.Wait()

	if c.Current().Seq == 0 {
		t.Error("no snapshot published")
	}
}

func TestSnapshot_KnownLabels(t *testing.T) {
	s := &Snapshot{Faces: []LabeledFace{
		{Label: recognition.Unknown},
		{Label: "alice"},
		{Label: "bob"},
	}}
	labels := s.KnownLabels()
	if len(labels) != 2 || labels[0] != "alice" || labels[1] != "bob" {
		t.Errorf("KnownLabels() = %v", labels)
	}

	var nilSnap *Snapshot
	if nilSnap.HasKnown() {
		t.Error("nil snapshot has no known faces")
	}
}

func TestRender(t *testing.T) {
	frame := recognitiontest.Image(probeColor, 100, 100)
	snap := &Snapshot{Faces: []LabeledFace{
		{Box: recognition.BoundingBox{Top: 10, Right: 90, Bottom: 90, Left: 10}, Label: "alice", Score: 0.8},
	}}

	out := Render(frame, snap)
	if out.Bounds() != frame.Bounds() {
		t.Fatalf("unexpected bounds %v", out.Bounds())
	}
	if got := out.RGBAAt(10, 50); got != knownColor {
		t.Errorf("expected known border colour at left edge, got %v", got)
	}
	if got := out.RGBAAt(50, 30); got != probeColor {
		t.Errorf("face interior should be untouched, got %v", got)
	}
	if got := frame.RGBAAt(10, 50); got != probeColor {
		t.Error("Render must not modify the source frame")
	}

	unknown := Render(frame, &Snapshot{Faces: []LabeledFace{
		{Box: recognition.BoundingBox{Top: 0, Right: 50, Bottom: 50, Left: 0}, Label: recognition.Unknown},
	}})
	if got := unknown.RGBAAt(0, 20); got != unknownColor {
		t.Errorf("expected unknown border colour, got %v", got)
	}

	if Render(frame, nil).Bounds() != image.Rect(0, 0, 100, 100) {
		t.Error("nil snapshot should return a plain copy")
	}
}
