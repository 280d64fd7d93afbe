package actuation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrCodeEU/cortex/pkg/pipeline"
	"github.com/MrCodeEU/cortex/pkg/recognition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockActuator struct {
	ActuateFunc func(ctx context.Context, target string) error

	mu      sync.Mutex
	targets []string
}

func (m *MockActuator) Actuate(ctx context.Context, target string) error {
	m.mu.Lock()
	m.targets = append(m.targets, target)
	m.mu.Unlock()
	if m.ActuateFunc != nil {
		return m.ActuateFunc(ctx, target)
	}
	return nil
}

func (m *MockActuator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestGate(act Actuator, enabled bool) (*Gate, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGate(act, Options{Enabled: enabled, Target: "door.local", Cooldown: 5 * time.Second, Timeout: time.Second})
	g.now = clock.Now
	return g, clock
}

func known(labels ...string) *pipeline.Snapshot {
	s := &pipeline.Snapshot{}
	for _, l := range labels {
		s.Faces = append(s.Faces, pipeline.LabeledFace{Label: l, Score: 0.9})
	}
	return s
}

func TestObserve_FiresOncePerCooldown(t *testing.T) {
	act := &MockActuator{}
	g, clock := newTestGate(act, true)
	ctx := context.Background()

	assert.True(t, g.Observe(ctx, known("alice")), "first qualifying cycle must fire")
	for i := 0; i < 10; i++ {
		clock.Advance(400 * time.Millisecond)
		assert.False(t, g.Observe(ctx, known("alice")), "cycle %d inside cooldown fired", i)
	}
	g.Wait()
	assert.Equal(t, 1, act.Calls())
	assert.Equal(t, StateCooldown, g.Status().State)

	clock.Advance(1500 * time.Millisecond)
	assert.True(t, g.Observe(ctx, known("bob")), "cycle after cooldown must fire again")
	g.Wait()
	assert.Equal(t, 2, act.Calls())
	assert.Equal(t, uint64(2), g.Status().Fired)
}

func TestObserve_CooldownBoundary(t *testing.T) {
	act := &MockActuator{}
	g, clock := newTestGate(act, true)
	ctx := context.Background()

	require.True(t, g.Observe(ctx, known("alice")))

	clock.Advance(5 * time.Second)
	assert.False(t, g.Observe(ctx, known("alice")), "elapsed equal to the cooldown must not fire")
	assert.Equal(t, StateCooldown, g.Status().State)

	clock.Advance(time.Millisecond)
	assert.True(t, g.Observe(ctx, known("alice")), "elapsed past the cooldown must fire")
	g.Wait()
	assert.Equal(t, 2, act.Calls())
}

func TestObserve_ZeroCooldown(t *testing.T) {
	act := &MockActuator{}
	g := NewGate(act, Options{Enabled: true, Target: "door.local", Timeout: time.Second})
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	assert.True(t, g.Observe(context.Background(), known("alice")))
	assert.True(t, g.Observe(context.Background(), known("alice")))
	g.Wait()
	assert.Equal(t, 2, act.Calls())
}

func TestObserve_IgnoresUnknownOnly(t *testing.T) {
	act := &MockActuator{}
	g, _ := newTestGate(act, true)

	assert.False(t, g.Observe(context.Background(), known(recognition.Unknown, recognition.Unknown)))
	assert.False(t, g.Observe(context.Background(), &pipeline.Snapshot{}))
	assert.False(t, g.Observe(context.Background(), nil))
	g.Wait()
	assert.Zero(t, act.Calls())
	assert.Equal(t, StateArmed, g.Status().State)
}

func TestObserve_Disabled(t *testing.T) {
	act := &MockActuator{}
	g, _ := newTestGate(act, false)

	assert.False(t, g.Observe(context.Background(), known("alice")))
	assert.Equal(t, StateDisabled, g.Status().State)

	g.SetEnabled(true)
	assert.True(t, g.Observe(context.Background(), known("alice")))
	g.Wait()
	assert.Equal(t, 1, act.Calls())
}

func TestObserve_FailureIsRecordedNotRetried(t *testing.T) {
	act := &MockActuator{ActuateFunc: func(context.Context, string) error {
		return errors.New("connection refused")
	}}
	g, clock := newTestGate(act, true)

	require.True(t, g.Observe(context.Background(), known("alice")))
	g.Wait()

	res, ok := g.LastResult()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrActuationFailure)
	assert.Equal(t, []string{"alice"}, res.Labels)
	assert.Contains(t, g.Status().LastError, "connection refused")

	// No retry inside the window, normal firing after it.
	clock.Advance(time.Second)
	assert.False(t, g.Observe(context.Background(), known("alice")))
	clock.Advance(5 * time.Second)
	assert.True(t, g.Observe(context.Background(), known("alice")))
	g.Wait()
	assert.Equal(t, 2, act.Calls())
}

func TestObserve_DoesNotBlockOnHungActuator(t *testing.T) {
	release := make(chan struct{})
	act := &MockActuator{ActuateFunc: func(ctx context.Context, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	g, _ := newTestGate(act, true)
	g.timeout = 50 * time.Millisecond

	start := time.Now()
	require.True(t, g.Observe(context.Background(), known("alice")))
	assert.Less(t, int64(time.Since(start)), int64(40*time.Millisecond), "Observe blocked on the actuator")

	g.Wait()
	close(release)

	res, ok := g.LastResult()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrActuationFailure)
	assert.ErrorContains(t, res.Err, "deadline exceeded")
}

func TestSetTarget(t *testing.T) {
	act := &MockActuator{}
	g, _ := newTestGate(act, true)

	g.SetTarget(" 10.0.0.5:8080 ")
	require.NoError(t, g.Trigger(context.Background()))
	assert.Equal(t, []string{"10.0.0.5:8080"}, act.targets)
	assert.Equal(t, "10.0.0.5:8080", g.Status().Target)
}

func TestTrigger_BypassesGate(t *testing.T) {
	act := &MockActuator{}
	g, _ := newTestGate(act, false)

	require.NoError(t, g.Trigger(context.Background()))
	assert.Equal(t, 1, act.Calls())

	// A manual test does not consume the cooldown.
	g.SetEnabled(true)
	assert.True(t, g.Observe(context.Background(), known("alice")))
	g.Wait()
}

func TestRun_ConsumesBus(t *testing.T) {
	var calls atomic.Int64
	act := &MockActuator{ActuateFunc: func(context.Context, string) error {
		calls.Add(1)
		return nil
	}}
	g, _ := newTestGate(act, true)

	bus := pipeline.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx, sub)
		close(done)
	}()

	bus.Publish(known(recognition.Unknown))
	bus.Publish(known("alice"))
	bus.Publish(known("alice"))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	g.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPActuator(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"no content", http.StatusNoContent, false},
		{"server error", http.StatusInternalServerError, true},
		{"not found", http.StatusNotFound, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotMethod string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath, gotMethod = r.URL.Path, r.Method
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			a := NewHTTPActuator("/unlock", time.Second)
			err := a.Actuate(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, "/unlock", gotPath)
			assert.Equal(t, http.MethodGet, gotMethod)
		})
	}
}

func TestHTTPActuator_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := NewHTTPActuator("/unlock", 50*time.Millisecond)
	err := a.Actuate(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestHTTPActuator_URL(t *testing.T) {
	a := NewHTTPActuator("", time.Second)
	assert.Equal(t, "http://192.168.1.50/unlock", a.URL("192.168.1.50"))
	assert.Equal(t, "https://door.example/unlock", a.URL("https://door.example/"))

	assert.Error(t, a.Actuate(context.Background(), " "))
}

func TestGate_WithHTTPActuator(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewGate(NewHTTPActuator("/unlock", time.Second), Options{
		Enabled:  true,
		Target:   srv.URL,
		Cooldown: time.Hour,
		Timeout:  time.Second,
	})

	for i := 0; i < 5; i++ {
		g.Observe(context.Background(), known("alice"))
	}
	g.Wait()

	assert.EqualValues(t, 1, hits.Load())
	res, ok := g.LastResult()
	require.True(t, ok)
	assert.NoError(t, res.Err)
}
