package confidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveConfidence_Current(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	decay := Decay{HalfLife: 15 * time.Minute, Floor: 0.1}

	got := EffectiveConfidence(0.9, now, now, decay)
	assert.Equal(t, 0.9, got)
}

func TestEffectiveConfidence_HalfLife(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	decay := Decay{HalfLife: 6 * time.Hour, Floor: 0.1}

	got := EffectiveConfidence(0.8, now.Add(-6*time.Hour), now, decay)
	assert.InDelta(t, 0.4, got, 1e-9)
}

func TestEffectiveConfidence_TwoHalfLives(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	decay := Decay{HalfLife: 72 * time.Hour, Floor: 0.1}

	got := EffectiveConfidence(0.8, now.Add(-144*time.Hour), now, decay)
	assert.InDelta(t, 0.2, got, 1e-9)
}

func TestEffectiveConfidence_Floor(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	decay := Decay{HalfLife: 15 * time.Minute, Floor: 0.15}

	got := EffectiveConfidence(0.9, now.Add(-24*time.Hour), now, decay)
	assert.Equal(t, 0.15, got)
}

func TestEffectiveConfidence_ZeroConfidence(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0.0, EffectiveConfidence(0, now, now, Decay{HalfLife: time.Hour, Floor: 0.2}))
	assert.Equal(t, 0.0, EffectiveConfidence(-0.5, now, now, Decay{HalfLife: time.Hour, Floor: 0.2}))
}

func TestEffectiveConfidence_NoTimestamp(t *testing.T) {
	got := EffectiveConfidence(0.75, time.Time{}, time.Now(), Decay{HalfLife: time.Hour})
	assert.Equal(t, 0.75, got)
}

func TestEffectiveConfidence_FutureObservation(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	got := EffectiveConfidence(0.8, now.Add(time.Minute), now, Decay{HalfLife: time.Hour})
	assert.Equal(t, 0.8, got)
}

func TestEffectiveConfidence_DefaultHalfLife(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	got := EffectiveConfidence(1, now.Add(-365*24*time.Hour), now, Decay{})
	assert.InDelta(t, 0.5, got, 1e-9)
}
