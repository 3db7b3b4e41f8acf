package biometric

import (
	"context"
	"fmt"
	"math"
)

// DefaultCosineThreshold is the similarity above which two embeddings are
// treated as the same person.
const DefaultCosineThreshold = 0.50

// CosineComparer matches embeddings locally by cosine similarity.
type CosineComparer struct {
	Threshold float64
}

// NewCosineComparer returns a comparer using threshold, or the default when
// threshold is not in (0, 1).
func NewCosineComparer(threshold float64) *CosineComparer {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultCosineThreshold
	}
	return &CosineComparer{Threshold: threshold}
}

// Compare computes cosine similarity and Euclidean distance. The match is
// strict: similarity must exceed the threshold.
func (c *CosineComparer) Compare(ctx context.Context, live, enrolled Embedding) (*Comparison, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(live) != len(enrolled) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(live), len(enrolled))
	}
	if err := live.Validate(); err != nil {
		return nil, err
	}
	if err := enrolled.Validate(); err != nil {
		return nil, err
	}

	var dot, na, nb, dist float64
	for i := range live {
		dot += live[i] * enrolled[i]
		na += live[i] * live[i]
		nb += enrolled[i] * enrolled[i]
		d := live[i] - enrolled[i]
		dist += d * d
	}

	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return &Comparison{
		CosineSimilarity:  cos,
		EuclideanDistance: math.Sqrt(dist),
		SamePerson:        cos > c.Threshold,
	}, nil
}
