package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/MrCodeEU/cortex/pkg/camera"
)

type MockActuation struct {
	enabled bool
	target  string
	fired   int
	err     error
}

func (m *MockActuation) SetEnabled(enabled bool) { m.enabled = enabled }
func (m *MockActuation) SetTarget(addr string)   { m.target = addr }

func (m *MockActuation) Trigger(ctx context.Context) error {
	m.fired++
	return m.err
}

func (m *MockActuation) Status() GateStatus {
	return GateStatus{Enabled: m.enabled, Target: m.target, State: "armed", Fired: uint64(m.fired)}
}

type MockFrames struct {
	frame camera.Frame
	ok    bool
}

func (m *MockFrames) Latest() (camera.Frame, bool) { return m.frame, m.ok }
func (m *MockFrames) Stats() camera.Stats          { return camera.Stats{Captured: 3, Skipped: 1} }

func TestService_EnrollFromCamera(t *testing.T) {
	fx := newFixture(t, 0.36)
	frames := &MockFrames{}
	svc := NewService(fx.store, frames, fx.worker, &MockActuation{})

	if _, err := svc.EnrollFromCamera("alice"); !errors.Is(err, ErrNoCamera) {
		t.Errorf("expected ErrNoCamera without a frame, got %v", err)
	}

	frames.frame, frames.ok = frame(aliceColor, 1), true
	msg, err := svc.EnrollFromCamera("alice")
	if err != nil {
		t.Fatalf("EnrollFromCamera() error = %v", err)
	}
	if msg != "Success! alice registered." {
		t.Errorf("unexpected message %q", msg)
	}

	infos := svc.Identities()
	if len(infos) != 1 || infos[0].Name != "alice" || infos[0].Embeddings != 1 || infos[0].Images != 1 {
		t.Errorf("unexpected identities %+v", infos)
	}
}

func TestService_NoCamera(t *testing.T) {
	fx := newFixture(t, 0.36)
	svc := NewService(fx.store, nil, fx.worker, &MockActuation{})

	if _, err := svc.Frame(); !errors.Is(err, ErrNoCamera) {
		t.Errorf("expected ErrNoCamera, got %v", err)
	}
	if _, err := svc.EnrollFromCamera("bob"); !errors.Is(err, ErrNoCamera) {
		t.Errorf("expected ErrNoCamera, got %v", err)
	}
	if st := svc.Status(); st.Camera.Captured != 0 {
		t.Errorf("expected zero camera stats, got %+v", st.Camera)
	}
}

func TestService_ActuationControls(t *testing.T) {
	fx := newFixture(t, 0.36)
	gate := &MockActuation{}
	svc := NewService(fx.store, &MockFrames{}, fx.worker, gate)

	svc.SetActuationEnabled(true)
	svc.SetActuationTarget("10.0.0.9")
	if err := svc.TestActuation(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := svc.Status()
	if !st.Gate.Enabled || st.Gate.Target != "10.0.0.9" || st.Gate.Fired != 1 {
		t.Errorf("unexpected gate status %+v", st.Gate)
	}
	if st.Model != "fake" || st.Tolerance != 0.36 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Camera.Captured != 3 {
		t.Errorf("camera stats not reported: %+v", st.Camera)
	}
}

func TestService_FrameOverlay(t *testing.T) {
	fx := newFixture(t, 0.36)
	svc := NewService(fx.store, &MockFrames{frame: frame(probeColor, 4), ok: true}, fx.worker, &MockActuation{})

	fx.worker.Process(frame(probeColor, 4))

	img, err := svc.Frame()
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if img.Bounds().Dx() != 640 {
		t.Errorf("unexpected frame size %v", img.Bounds())
	}
	if svc.CurrentSnapshot().Seq != 4 {
		t.Errorf("expected current snapshot seq 4, got %d", svc.CurrentSnapshot().Seq)
	}
}

func TestService_Subscribe(t *testing.T) {
	fx := newFixture(t, 0.36)
	svc := NewService(fx.store, nil, fx.worker, &MockActuation{})

	sub, ok := svc.Subscribe(1)
	if !ok {
		t.Fatal("expected a subscription when a bus is attached")
	}
	svc.Unsubscribe(sub)

	noBus := NewWorker(fx.model, fx.store, fx.worker.matcher, 1, NewResultCache(), nil)
	if _, ok := NewService(fx.store, nil, noBus, &MockActuation{}).Subscribe(1); ok {
		t.Error("expected no subscription without a bus")
	}
}
