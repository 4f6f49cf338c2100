package chromem

import (
	"context"

	"github.com/stratamem/strata/internal/storage"
)

// DefaultDimensions is the vector width used when no dimension is given.
const DefaultDimensions = 64

// HashEmbedder is a deterministic, dependency-free Embedder: character
// codes fold into dimension buckets and the vector is normalised by text
// length. Identical text always maps to an identical vector, which makes it
// suitable for tests and offline development but not for real semantic
// retrieval.
type HashEmbedder struct {
	dim int
}

var _ storage.Embedder = (*HashEmbedder)(nil)

// NewHashEmbedder returns an embedder producing vectors of the given width.
// Widths below one fall back to DefaultDimensions.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim < 1 {
		dim = DefaultDimensions
	}
	return &HashEmbedder{dim: dim}
}

// Embed folds the text into a fixed-width vector. Empty text maps to the
// zero vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, e.dim)
	if text == "" {
		return vector, nil
	}

	runes := []rune(text)
	for i, r := range runes {
		vector[i%e.dim] += float32(r)
	}
	length := float32(len(runes))
	for i := range vector {
		vector[i] /= length
	}
	return vector, nil
}

// Dimensions returns the vector width.
func (e *HashEmbedder) Dimensions() int { return e.dim }
