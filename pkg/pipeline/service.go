package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/MrCodeEU/cortex/pkg/camera"
	"github.com/MrCodeEU/cortex/pkg/storage"
	"github.com/leandro-lugaresi/hub"
)

// ErrNoCamera is returned when an operation needs a frame and none exists.
var ErrNoCamera = errors.New("no camera frame available")

// GateStatus describes the actuation gate.
type GateStatus struct {
	Enabled     bool          `json:"enabled"`
	Target      string        `json:"target"`
	State       string        `json:"state"`
	Cooldown    time.Duration `json:"cooldown_ns"`
	Fired       uint64        `json:"fired"`
	LastTrigger time.Time     `json:"last_trigger,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// Actuation controls the gate behind the recognition pipeline.
type Actuation interface {
	SetEnabled(enabled bool)
	SetTarget(addr string)
	// Trigger calls the actuator once, ignoring enablement and cooldown.
	Trigger(ctx context.Context) error
	Status() GateStatus
}

// FrameProvider exposes the newest captured frame.
type FrameProvider interface {
	Latest() (camera.Frame, bool)
	Stats() camera.Stats
}

// IdentityInfo summarises one enrolled identity.
type IdentityInfo struct {
	Name       string `json:"name"`
	Embeddings int    `json:"embeddings"`
	Images     int    `json:"images"`
}

// Status is the runtime state reported to clients.
type Status struct {
	Model      string       `json:"model"`
	Identities int          `json:"identities"`
	Embeddings int          `json:"embeddings"`
	Tolerance  float64      `json:"tolerance"`
	Worker     WorkerStats  `json:"worker"`
	Camera     camera.Stats `json:"camera"`
	Gate       GateStatus   `json:"gate"`
}

// Service is the query surface used by external clients.
type Service struct {
	store  *storage.Store
	frames FrameProvider
	cache  *ResultCache
	worker *Worker
	gate   Actuation
	bus    *Bus
}

// NewService wires the query surface. frames may be nil when no camera is
// attached.
func NewService(store *storage.Store, frames FrameProvider, worker *Worker, gate Actuation) *Service {
	return &Service{
		store:  store,
		frames: frames,
		cache:  worker.cache,
		worker: worker,
		gate:   gate,
		bus:    worker.bus,
	}
}

// ListIdentities returns the sorted enrolled names.
func (s *Service) ListIdentities() []string {
	return s.store.ListIdentities()
}

// Identities returns per-identity details.
func (s *Service) Identities() []IdentityInfo {
	g := s.store.Snapshot()
	names := g.Names()
	infos := make([]IdentityInfo, 0, len(names))
	for _, name := range names {
		id, _ := g.Identity(name)
		infos = append(infos, IdentityInfo{
			Name:       name,
			Embeddings: len(id.Embeddings),
			Images:     s.store.ImageCount(name),
		})
	}
	return infos
}

// Enroll adds img under name.
func (s *Service) Enroll(name string, img image.Image) (string, error) {
	return s.store.Enroll(name, img)
}

// EnrollFromCamera enrolls the newest captured frame.
func (s *Service) EnrollFromCamera(name string) (string, error) {
	if s.frames == nil {
		return "", ErrNoCamera
	}
	f, ok := s.frames.Latest()
	if !ok {
		return "", ErrNoCamera
	}
	return s.store.Enroll(name, f.Image)
}

// Delete removes name from disk and the gallery.
func (s *Service) Delete(name string) (bool, error) {
	return s.store.Delete(name)
}

// Reload rebuilds the gallery from disk.
func (s *Service) Reload() error {
	return s.store.Reload()
}

// CurrentSnapshot returns the latest recognition result.
func (s *Service) CurrentSnapshot() *Snapshot {
	return s.cache.Current()
}

// Frame returns the newest frame with the latest snapshot drawn over it.
func (s *Service) Frame() (image.Image, error) {
	if s.frames == nil {
		return nil, ErrNoCamera
	}
	f, ok := s.frames.Latest()
	if !ok {
		return nil, ErrNoCamera
	}
	return Render(f.Image, s.cache.Current()), nil
}

// SetActuationEnabled arms or disarms the gate.
func (s *Service) SetActuationEnabled(enabled bool) {
	s.gate.SetEnabled(enabled)
}

// SetActuationTarget changes the actuator address.
func (s *Service) SetActuationTarget(addr string) {
	s.gate.SetTarget(addr)
}

// TestActuation fires the actuator once.
func (s *Service) TestActuation(ctx context.Context) error {
	return s.gate.Trigger(ctx)
}

// Subscribe streams completed snapshots. The caller must Unsubscribe.
func (s *Service) Subscribe(capacity int) (hub.Subscription, bool) {
	if s.bus == nil {
		return hub.Subscription{}, false
	}
	return s.bus.Subscribe(capacity), true
}

// Unsubscribe ends a subscription from Subscribe.
func (s *Service) Unsubscribe(sub hub.Subscription) {
	if s.bus != nil {
		s.bus.Unsubscribe(sub)
	}
}

// Status reports runtime state.
func (s *Service) Status() Status {
	g := s.store.Snapshot()
	st := Status{
		Model:      s.worker.model.Name(),
		Identities: g.Len(),
		Embeddings: g.EmbeddingCount(),
		Tolerance:  s.worker.matcher.Tolerance(),
		Worker:     s.worker.Stats(),
		Gate:       s.gate.Status(),
	}
	if s.frames != nil {
		st.Camera = s.frames.Stats()
	}
	return st
}
