package pipeline

import (
	"sync"

	"github.com/leandro-lugaresi/hub"
)

// TopicSnapshot carries every completed snapshot.
const TopicSnapshot = "snapshot.published"

const snapshotField = "snapshot"

// Bus fans completed snapshots out to independent consumers.
type Bus struct {
	hub *hub.Hub

	mu     sync.Mutex
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{hub: hub.New()}
}

// Publish sends s to every subscriber. Slow subscribers lose messages
// instead of blocking the publisher.
func (b *Bus) Publish(s *Snapshot) {
	b.hub.Publish(hub.Message{
		Name:   TopicSnapshot,
		Fields: hub.Fields{snapshotField: s},
	})
}

// Subscribe returns a subscription buffering up to capacity snapshots.
func (b *Bus) Subscribe(capacity int) hub.Subscription {
	return b.hub.NonBlockingSubscribe(capacity, TopicSnapshot)
}

// Unsubscribe removes sub and closes its receiver. Subscriptions are
// already gone once the bus is closed.
func (b *Bus) Unsubscribe(sub hub.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.hub.Unsubscribe(sub)
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.hub.Close()
}

// SnapshotFrom extracts the snapshot carried by msg.
func SnapshotFrom(msg hub.Message) (*Snapshot, bool) {
	if msg.Name != TopicSnapshot {
		return nil, false
	}
	s, ok := msg.Fields[snapshotField].(*Snapshot)
	return s, ok && s != nil
}
