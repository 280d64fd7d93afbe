// Package pipeline runs recognition over captured frames and distributes
// the results.
package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/cortex/pkg/recognition"
)

// LabeledFace is one recognised face in frame coordinates.
type LabeledFace struct {
	Box   recognition.BoundingBox `json:"box"`
	Label string                  `json:"label"`
	Score float64                 `json:"score"`
}

// Snapshot is the result of one recognition cycle. It is never modified
// after publication.
type Snapshot struct {
	Faces     []LabeledFace `json:"faces"`
	FrameTime time.Time     `json:"frame_time"`
	Seq       uint64        `json:"seq"`
}

// KnownLabels returns the labels of faces that matched an identity.
func (s *Snapshot) KnownLabels() []string {
	if s == nil {
		return nil
	}
	var labels []string
	for _, f := range s.Faces {
		if f.Label != recognition.Unknown {
			labels = append(labels, f.Label)
		}
	}
	return labels
}

// HasKnown reports whether any face matched an identity.
func (s *Snapshot) HasKnown() bool {
	return len(s.KnownLabels()) > 0
}

// ResultCache holds the most recently completed snapshot.
type ResultCache struct {
	current atomic.Pointer[Snapshot]
}

// NewResultCache returns a cache holding an empty snapshot.
func NewResultCache() *ResultCache {
	c := &ResultCache{}
	c.current.Store(&Snapshot{Faces: []LabeledFace{}})
	return c
}

// Publish replaces the held snapshot.
func (c *ResultCache) Publish(s *Snapshot) {
	c.current.Store(s)
}

// Current returns the held snapshot.
func (c *ResultCache) Current() *Snapshot {
	return c.current.Load()
}
