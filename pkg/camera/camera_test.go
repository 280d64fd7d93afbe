package camera

import (
	"context"
	"errors"
	"go/parser"
	"go/token"
	"image"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockDevice is a scripted Device.
type MockDevice struct {
	OpenFunc func() error
	ReadFunc func() (image.Image, error)

	opened atomic.Bool
	closed atomic.Bool
	reads  atomic.Int64
}

func (m *MockDevice) Open() error {
	if m.OpenFunc != nil {
		if err := m.OpenFunc(); err != nil {
			return err
		}
	}
	m.opened.Store(true)
	return nil
}

func (m *MockDevice) Read() (image.Image, error) {
	m.reads.Add(1)
	if m.ReadFunc != nil {
		return m.ReadFunc()
	}
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (m *MockDevice) Close() error {
	m.closed.Store(true)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStart_DeviceUnavailable(t *testing.T) {
	dev := &MockDevice{OpenFunc: func() error { return errors.New("no such device") }}
	src := NewSource(dev, time.Millisecond, nil)

	err := src.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}

	// Stop after a failed start is a no-op.
	src.Stop()
	if dev.closed.Load() {
		t.Error("device should not be closed when it never opened")
	}
}

func TestSource_EmitsFrames(t *testing.T) {
	var mu sync.Mutex
	var seqs []uint64

	dev := &MockDevice{}
	src := NewSource(dev, time.Millisecond, func(f Frame) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, f.Seq)
	})

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) >= 3
	})
	src.Stop()

	if !dev.closed.Load() {
		t.Error("Stop must close the device")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("expected sequential frames, got %v", seqs)
		}
	}

	latest, ok := src.Latest()
	if !ok || latest.Seq != seqs[len(seqs)-1] {
		t.Errorf("Latest() = %d, %v; want last emitted frame %d", latest.Seq, ok, seqs[len(seqs)-1])
	}
}

func TestSource_SkipsFailedReads(t *testing.T) {
	var n atomic.Int64
	dev := &MockDevice{
		ReadFunc: func() (image.Image, error) {
			switch n.Add(1) % 3 {
			case 1:
				return nil, ErrNoFrame
			case 2:
				return image.NewRGBA(image.Rect(0, 0, 0, 0)), nil
			default:
				return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
			}
		},
	}

	var emitted atomic.Int64
	src := NewSource(dev, time.Millisecond, func(Frame) { emitted.Add(1) })
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return emitted.Load() >= 2 })
	src.Stop()

	stats := src.Stats()
	if stats.Captured != uint64(emitted.Load()) {
		t.Errorf("captured %d, emitted %d", stats.Captured, emitted.Load())
	}
	if stats.Skipped < 2 {
		t.Errorf("expected failed and empty reads to be skipped, got %d", stats.Skipped)
	}
}

func TestSource_StopJoinsLoop(t *testing.T) {
	var inRead atomic.Bool
	dev := &MockDevice{
		ReadFunc: func() (image.Image, error) {
			inRead.Store(true)
			time.Sleep(20 * time.Millisecond)
			inRead.Store(false)
			return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
		},
	}

	src := NewSource(dev, time.Millisecond, nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, inRead.Load)
	src.Stop()

	if inRead.Load() {
		t.Error("Stop returned while a read was still in progress")
	}

	reads := dev.reads.Load()
	time.Sleep(10 * time.Millisecond)
	if dev.reads.Load() != reads {
		t.Error("reads continued after Stop")
	}

	// Idempotent.
	src.Stop()
}

func TestSource_StartTwice(t *testing.T) {
	src := NewSource(&MockDevice{}, time.Millisecond, nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	if err := src.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestLatest_Empty(t *testing.T) {
	src := NewSource(&MockDevice{}, 0, nil)
	if _, ok := src.Latest(); ok {
		t.Error("expected no latest frame before start")
	}
	if src.interval != 33*time.Millisecond {
		t.Errorf("expected default interval 33ms, got %v", src.interval)
	}
}

// Frame consumers import this package, so it must build without OpenCV.
func TestPackageImportsNoOpenCV(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatal(err)
	}

	fset := token.NewFileSet()
	for _, file := range files {
		f, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatal(err)
		}
		for _, imp := range f.Imports {
			path, _ := strconv.Unquote(imp.Path.Value)
			if path == "C" || strings.HasPrefix(path, "gocv.io/") {
				t.Errorf("%s imports %s", file, path)
			}
		}
	}
}
