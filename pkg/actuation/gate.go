// Package actuation fires the external unlock call when a known face is
// recognised, at most once per cooldown window.
package actuation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/MrCodeEU/cortex/pkg/pipeline"
	"github.com/leandro-lugaresi/hub"
)

// ErrActuationFailure wraps every failed actuation call.
var ErrActuationFailure = errors.New("actuation failed")

// Gate states.
const (
	StateArmed    = "armed"
	StateCooldown = "cooldown"
	StateDisabled = "disabled"
)

var log = logging.Component("actuation")

// Options configures a Gate.
type Options struct {
	Enabled  bool
	Target   string
	Cooldown time.Duration
	Timeout  time.Duration
}

// Result is the outcome of one actuation call.
type Result struct {
	At       time.Time
	Target   string
	Labels   []string
	Duration time.Duration
	Err      error
}

// Gate decides when a recognition result triggers the actuator. Cooldown
// is evaluated lazily on each qualifying snapshot; there is no timer.
type Gate struct {
	actuator Actuator
	cooldown time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	enabled    bool
	target     string
	last       time.Time
	triggered  bool
	fired      uint64
	lastResult *Result

	inflight sync.WaitGroup
}

// NewGate creates an armed gate.
func NewGate(actuator Actuator, opts Options) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &Gate{
		actuator: actuator,
		cooldown: opts.Cooldown,
		timeout:  opts.Timeout,
		now:      time.Now,
		enabled:  opts.Enabled,
		target:   opts.Target,
	}
}

// Observe fires the actuator when snap contains a known face, the gate is
// enabled and the time since the last trigger exceeds the cooldown. A
// snapshot exactly one cooldown after the last trigger is still suppressed.
// The call runs in the background; Observe reports whether it was started.
func (g *Gate) Observe(ctx context.Context, snap *pipeline.Snapshot) bool {
	labels := snap.KnownLabels()
	if len(labels) == 0 {
		return false
	}

	g.mu.Lock()
	now := g.now()
	if !g.enabled || g.coolingDown(now) {
		g.mu.Unlock()
		return false
	}
	g.last = now
	g.triggered = true
	g.fired++
	target := g.target
	g.mu.Unlock()

	log.Infof("Recognised %s, triggering actuation", strings.Join(labels, ", "))

	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		g.call(ctx, target, labels, now)
	}()
	return true
}

// coolingDown reports whether now is within the cooldown window, bounds
// included. A zero cooldown never suppresses. Callers hold g.mu.
func (g *Gate) coolingDown(now time.Time) bool {
	return g.triggered && g.cooldown > 0 && now.Sub(g.last) <= g.cooldown
}

// Trigger calls the actuator once and waits for the result. It ignores
// enablement and cooldown and does not start a cooldown window.
func (g *Gate) Trigger(ctx context.Context) error {
	g.mu.Lock()
	target := g.target
	g.mu.Unlock()

	g.inflight.Add(1)
	defer g.inflight.Done()
	return g.call(ctx, target, nil, g.now())
}

func (g *Gate) call(ctx context.Context, target string, labels []string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := g.actuator.Actuate(ctx, target)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrActuationFailure, target, err)
		log.Warnf("%v", err)
	} else {
		log.Infof("Actuation at %s succeeded", target)
	}

	result := &Result{At: at, Target: target, Labels: labels, Duration: time.Since(start), Err: err}
	g.mu.Lock()
	g.lastResult = result
	g.mu.Unlock()
	return err
}

// Run observes every snapshot received on sub until ctx is done or the
// subscription is closed.
func (g *Gate) Run(ctx context.Context, sub hub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Receiver:
			if !ok {
				return
			}
			if snap, ok := pipeline.SnapshotFrom(msg); ok {
				g.Observe(ctx, snap)
			}
		}
	}
}

// Wait blocks until in-flight actuation calls have finished.
func (g *Gate) Wait() {
	g.inflight.Wait()
}

// SetEnabled arms or disarms the gate.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	log.Infof("Actuation enabled: %v", enabled)
}

// SetTarget changes the actuator address used by later calls.
func (g *Gate) SetTarget(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.target = strings.TrimSpace(addr)
	log.Infof("Actuation target set to %s", g.target)
}

// LastResult returns the most recent actuation outcome.
func (g *Gate) LastResult() (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastResult == nil {
		return Result{}, false
	}
	return *g.lastResult, true
}

// Status implements pipeline.Actuation.
func (g *Gate) Status() pipeline.GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := pipeline.GateStatus{
		Enabled:  g.enabled,
		Target:   g.target,
		Cooldown: g.cooldown,
		Fired:    g.fired,
		State:    StateArmed,
	}
	switch {
	case !g.enabled:
		st.State = StateDisabled
	case g.coolingDown(g.now()):
		st.State = StateCooldown
	}
	if g.triggered {
		st.LastTrigger = g.last
	}
	if g.lastResult != nil && g.lastResult.Err != nil {
		st.LastError = g.lastResult.Err.Error()
	}
	return st
}
