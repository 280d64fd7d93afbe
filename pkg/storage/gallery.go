package storage

import (
	"sort"

	"github.com/MrCodeEU/cortex/pkg/recognition"
)

// Identity is one enrolled person. An identity always has at least one
// embedding; Sources holds the image each embedding came from.
type Identity struct {
	Name       string
	Embeddings []recognition.Embedding
	Sources    []string
}

// Gallery is an immutable view of the enrolled identities. Identities are
// kept in name order and embeddings in file order, which fixes the
// enumeration order the matcher uses to break ties.
type Gallery struct {
	identities []Identity
	candidates []recognition.Candidate
}

func newGallery(identities []Identity) *Gallery {
	kept := make([]Identity, 0, len(identities))
	for _, id := range identities {
		if len(id.Embeddings) > 0 {
			kept = append(kept, id)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Name < kept[j].Name })

	g := &Gallery{identities: kept}
	for _, id := range kept {
		for _, e := range id.Embeddings {
			g.candidates = append(g.candidates, recognition.Candidate{Label: id.Name, Embedding: e})
		}
	}
	return g
}

// with returns a copy of g with emb appended to name's embeddings.
func (g *Gallery) with(name string, emb recognition.Embedding, source string) *Gallery {
	identities := make([]Identity, 0, len(g.identities)+1)
	found := false
	for _, id := range g.identities {
		if id.Name == name {
			id = Identity{
				Name:       id.Name,
				Embeddings: append(append([]recognition.Embedding{}, id.Embeddings...), emb),
				Sources:    append(append([]string{}, id.Sources...), source),
			}
			found = true
		}
		identities = append(identities, id)
	}
	if !found {
		identities = append(identities, Identity{
			Name:       name,
			Embeddings: []recognition.Embedding{emb},
			Sources:    []string{source},
		})
	}
	return newGallery(identities)
}

// Names returns the sorted identity names.
func (g *Gallery) Names() []string {
	names := make([]string, len(g.identities))
	for i, id := range g.identities {
		names[i] = id.Name
	}
	return names
}

// Identity looks up one identity by name.
func (g *Gallery) Identity(name string) (Identity, bool) {
	for _, id := range g.identities {
		if id.Name == name {
			return id, true
		}
	}
	return Identity{}, false
}

// Candidates returns every stored embedding in enumeration order.
func (g *Gallery) Candidates() []recognition.Candidate {
	return g.candidates
}

// Len returns the number of identities.
func (g *Gallery) Len() int {
	return len(g.identities)
}

// EmbeddingCount returns the number of stored embeddings.
func (g *Gallery) EmbeddingCount() int {
	return len(g.candidates)
}
