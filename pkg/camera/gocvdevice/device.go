// Package gocvdevice provides a camera.Device backed by OpenCV video capture.
// Package camera stays free of cgo; import this package only where a real device is opened.
package gocvdevice

import (
	"fmt"
	"image"
	"strconv"
	"sync"

	"github.com/MrCodeEU/cortex/pkg/camera"
	"gocv.io/x/gocv"
)

// Device captures from a webcam or video path through OpenCV.
type Device struct {
	device string
	width  int
	height int
	fps    int

	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// New creates a device for a numeric index ("0") or a path.
func New(device string, width, height, fps int) *Device {
	return &Device{device: device, width: width, height: height, fps: fps}
}

// Open implements camera.Device.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var source interface{} = d.device
	if id, err := strconv.Atoi(d.device); err == nil {
		source = id
	}

	capture, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", d.device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("failed to open %s", d.device)
	}

	if d.width > 0 && d.height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(d.width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(d.height))
	}
	if d.fps > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(d.fps))
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	d.capture = capture
	d.mat = gocv.NewMat()
	return nil
}

// Read implements camera.Device.
func (d *Device) Read() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return nil, camera.ErrNoFrame
	}
	if ok := d.capture.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, camera.ErrNoFrame
	}

	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrNoFrame, err)
	}
	return img, nil
}

// Close implements camera.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return nil
	}
	d.mat.Close()
	err := d.capture.Close()
	d.capture = nil
	return err
}

var _ camera.Device = (*Device)(nil)
