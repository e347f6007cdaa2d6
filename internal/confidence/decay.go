package confidence

import (
	"math"
	"time"
)

// Decay configures exponential time decay.
type Decay struct {
	HalfLife time.Duration
	Floor    float64
}

// EffectiveConfidence computes the time-decayed confidence of a data point.
// Formula: effective = max(floor, rawConfidence * 2^(-age / halfLife))
func EffectiveConfidence(rawConfidence float64, observedAt time.Time, now time.Time, decay Decay) float64 {
	if rawConfidence <= 0 {
		return 0
	}
	if observedAt.IsZero() {
		// No timestamp, treat as current.
		return rawConfidence
	}

	age := now.Sub(observedAt)
	if age <= 0 {
		return rawConfidence
	}

	halfLife := decay.HalfLife
	if halfLife <= 0 {
		halfLife = 365 * 24 * time.Hour
	}

	decayed := rawConfidence * math.Pow(2, -float64(age)/float64(halfLife))

	if decayed < decay.Floor {
		return decay.Floor
	}
	return decayed
}
