package llm

import "sync"

// DimensionGuard remembers the embedding width seen for each model and
// rejects responses that disagree with it. Safe for concurrent use.
type DimensionGuard struct {
	mu   sync.Mutex
	dims map[string]int
}

// Check validates vectors returned for model against want inputs.
func (g *DimensionGuard) Check(op, model string, want int, vectors []EmbeddingVector) error {
	if len(vectors) != want {
		return Protocolf(op, "expected %d embeddings for %q, got %d", want, model, len(vectors))
	}
	if len(vectors) == 0 {
		return nil
	}

	width := len(vectors[0])
	if width == 0 {
		return Protocolf(op, "empty embedding returned for %q", model)
	}
	for i, v := range vectors {
		if len(v) != width {
			return Protocolf(op, "embedding %d for %q has %d dimensions, expected %d", i, model, len(v), width)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dims == nil {
		g.dims = make(map[string]int)
	}
	if seen, ok := g.dims[model]; ok && seen != width {
		return Protocolf(op, "embedding dimensionality for %q changed from %d to %d", model, seen, width)
	}
	g.dims[model] = width
	return nil
}

// Dimensions returns the recorded width for model, if any.
func (g *DimensionGuard) Dimensions(model string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.dims[model]
	return n, ok
}
