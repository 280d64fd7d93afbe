package recognition

import "sync"

// Candidate is one stored embedding and the identity that owns it.
type Candidate struct {
	Label     string
	Embedding Embedding
}

// MatchResult is the outcome of matching one probe embedding.
type MatchResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Known reports whether the result names an enrolled identity.
func (m MatchResult) Known() bool {
	return m.Label != "" && m.Label != Unknown
}

// Default tolerances per model backend.
const (
	SFaceTolerance = 0.363
	DlibTolerance  = 0.82
)

// DefaultTolerance returns the calibrated tolerance for a backend name.
// Unknown names get the SFace value.
func DefaultTolerance(backend string) float64 {
	if backend == "dlib" {
		return DlibTolerance
	}
	return SFaceTolerance
}

// Matcher picks the single best-scoring stored embedding for a probe.
type Matcher struct {
	mu        sync.RWMutex
	tolerance float64
}

// NewMatcher creates a matcher with the given cosine similarity tolerance.
func NewMatcher(tolerance float64) *Matcher {
	return &Matcher{tolerance: tolerance}
}

// SetTolerance sets the tolerance for face matching.
// Higher values are more strict (fewer false positives).
func (m *Matcher) SetTolerance(tolerance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tolerance = tolerance
}

// Tolerance returns the current tolerance.
func (m *Matcher) Tolerance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tolerance
}

// Match scans every candidate and keeps the best score. Equal scores keep
// the first candidate seen, so the caller's enumeration order decides ties.
// Candidates whose dimension differs from the probe are skipped. With no
// comparable candidate the result is Unknown with score -1.
func (m *Matcher) Match(probe Embedding, candidates []Candidate) MatchResult {
	tolerance := m.Tolerance()

	bestIdx := -1
	bestScore := -1.0

	for i, c := range candidates {
		if len(c.Embedding) != len(probe) {
			continue
		}
		score := Similarity(probe, c.Embedding)
		if bestIdx < 0 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}

	if bestIdx >= 0 && bestScore >= tolerance {
		return MatchResult{Label: candidates[bestIdx].Label, Score: bestScore}
	}
	return MatchResult{Label: Unknown, Score: bestScore}
}
