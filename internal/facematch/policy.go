package facematch

import (
	"fmt"
	"math"
)

// Policy turns a match distance into an accept/reject decision.
type Policy struct {
	Threshold float64
}

// Decision is the outcome of applying a Policy to a MatchResult.
type Decision struct {
	// Identity is set only when Accepted.
	Identity string
	Accepted bool
	Distance float64
	// Nearest is the closest identity regardless of the outcome, for logging.
	Nearest string
}

// NewPolicy validates the threshold and returns a policy.
func NewPolicy(threshold float64) (Policy, error) {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) || threshold <= 0 {
		return Policy{}, fmt.Errorf("invalid match threshold %v", threshold)
	}
	return Policy{Threshold: threshold}, nil
}

// Accepts reports whether distance is strictly below the threshold.
func (p Policy) Accepts(distance float64) bool {
	return distance < p.Threshold
}

// Decide accepts the match iff its distance is strictly below the threshold.
// An empty match (distance +Inf) is always Unknown.
func (p Policy) Decide(m MatchResult) Decision {
	d := Decision{Distance: m.Distance, Nearest: m.Identity}
	if m.Found() && p.Accepts(m.Distance) {
		d.Accepted = true
		d.Identity = m.Identity
	}
	return d
}

// Confidence maps a distance onto [0, 1] as max(0, 1-distance).
// It is informational only and never used for decisions.
func Confidence(distance float64) float64 {
	if math.IsInf(distance, 1) || math.IsNaN(distance) {
		return 0
	}
	return max(0, 1-distance)
}

// Confidence returns the display confidence of the decision.
func (d Decision) Confidence() float64 {
	return Confidence(d.Distance)
}
