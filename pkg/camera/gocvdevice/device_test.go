package gocvdevice

import (
	"errors"
	"testing"

	"github.com/MrCodeEU/cortex/pkg/camera"
)

func TestDevice_ReadBeforeOpen(t *testing.T) {
	d := New("0", 640, 480, 30)
	if _, err := d.Read(); !errors.Is(err, camera.ErrNoFrame) {
		t.Errorf("expected ErrNoFrame before Open, got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() on unopened device = %v", err)
	}
}

func TestDevice_OpenMissingPath(t *testing.T) {
	d := New("/nonexistent/video-device", 0, 0, 0)
	if err := d.Open(); err == nil {
		_ = d.Close()
		t.Error("expected Open to fail for a missing device path")
	}
}
