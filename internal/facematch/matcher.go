package facematch

import (
	"fmt"
	"math"
)

// Match compares candidate against every reference embedding of every identity
// and returns the identity with the smallest Euclidean distance. An identity's
// distance is the minimum over its references. Ties keep the identity seen
// first in refs order. An empty directory yields an empty identity and +Inf.
func Match(candidate Embedding, refs []Reference) (MatchResult, error) {
	best := MatchResult{Distance: math.Inf(1)}

	for _, ref := range refs {
		d, err := MatchOne(candidate, ref.Embeddings)
		if err != nil {
			return MatchResult{}, fmt.Errorf("matching against %q: %w", ref.Identity, err)
		}
		if d < best.Distance {
			best = MatchResult{Identity: ref.Identity, Distance: d}
		}
	}

	return best, nil
}

// MatchOne returns the smallest distance between candidate and any of refs,
// or +Inf when refs is empty.
func MatchOne(candidate Embedding, refs []Embedding) (float64, error) {
	best := math.Inf(1)
	for i, ref := range refs {
		d, err := EuclideanDistance(candidate, ref)
		if err != nil {
			return 0, fmt.Errorf("reference %d: %w", i, err)
		}
		if d < best {
			best = d
		}
	}
	return best, nil
}
