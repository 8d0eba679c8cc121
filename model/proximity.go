package model

import "math"

// CallMaxRadius is the base proximity unit. Two users are considered close
// enough for a voice call while their avatars are within twice this radius
// of each other.
const CallMaxRadius = 80

// InCallRadius reports whether two positions are close enough for a call.
// Plain cartesian distance, no wraparound. This predicate is the single
// decision point for whether a pair of users should have a live call.
func InCallRadius(a, b Position) bool {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return math.Sqrt(dx*dx+dy*dy) < CallMaxRadius*2
}
