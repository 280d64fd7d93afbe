// Package camera provides frame acquisition from a capture device at a
// fixed cadence.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/cortex/pkg/logging"
)

// Frame is one captured image.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Seq       uint64
}

// Device is a source of images.
type Device interface {
	Open() error
	Read() (image.Image, error)
	Close() error
}

// Sink receives every captured frame. It must not block.
type Sink func(Frame)

// ErrDeviceUnavailable is returned when the capture device cannot be opened.
var ErrDeviceUnavailable = errors.New("camera device unavailable")

// ErrNoFrame is returned when no frame could be captured.
var ErrNoFrame = errors.New("failed to capture frame")

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("frame source already started")

var log = logging.Component("camera")

// Stats counts capture outcomes.
type Stats struct {
	Captured uint64 `json:"captured"`
	Skipped  uint64 `json:"skipped"`
}

// Source reads frames from a Device every interval and hands each one to
// the sink. The newest frame is also kept for display.
type Source struct {
	device   Device
	interval time.Duration
	sink     Sink

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	latest   atomic.Pointer[Frame]
	seq      uint64
	captured atomic.Uint64
	skipped  atomic.Uint64
}

// NewSource creates a frame source. A zero interval defaults to 33ms.
func NewSource(device Device, interval time.Duration, sink Sink) *Source {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	return &Source{device: device, interval: interval, sink: sink}
}

// Start opens the device and begins acquisition. Failing to open the
// device is fatal and reported as ErrDeviceUnavailable.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return ErrAlreadyStarted
	}

	if err := s.device.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)

	log.Infof("Capturing every %v", s.interval)
	return nil
}

// Stop ends acquisition, waits for the capture loop to exit and closes the
// device. It is safe to call more than once.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return
	}

	s.cancel()
	<-s.done
	s.done = nil

	if err := s.device.Close(); err != nil {
		log.Warnf("Failed to close camera: %v", err)
	}
	log.Info("Capture stopped")
}

// Latest returns the newest captured frame.
func (s *Source) Latest() (Frame, bool) {
	f := s.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// Stats returns capture counters.
func (s *Source) Stats() Stats {
	return Stats{Captured: s.captured.Load(), Skipped: s.skipped.Load()}
}

func (s *Source) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.capture()
		}
	}
}

func (s *Source) capture() {
	img, err := s.device.Read()
	if err == nil && (img == nil || img.Bounds().Empty()) {
		err = ErrNoFrame
	}
	if err != nil {
		s.skipped.Add(1)
		log.Debugf("Skipping frame: %v", err)
		return
	}

	s.seq++
	frame := Frame{Image: img, Timestamp: time.Now(), Seq: s.seq}
	s.latest.Store(&frame)
	s.captured.Add(1)

	if s.sink != nil {
		s.sink(frame)
	}
}
