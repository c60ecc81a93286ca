package asr

import "math"

// EMA smooths the pause-probability signal with separate attack and release
// time constants. Rising samples blend with the attack constant, falling
// samples with the release constant, so reaction to speech onset and tolerance
// to momentary dips tune independently.
type EMA struct {
	attack  float64 // seconds to halve the distance on a rising sample
	release float64 // seconds to halve the distance on a falling sample
	value   float64
}

// NewEMA creates a smoother with the given time constants and initial value.
func NewEMA(attack, release, initial float64) *EMA {
	return &EMA{
		attack:  attack,
		release: release,
		value:   initial,
	}
}

// Update blends a new sample v observed dt seconds after the previous one and
// returns the smoothed value. A non-positive time constant degenerates to
// tracking v directly.
func (e *EMA) Update(dt, v float64) float64 {
	tau := e.release
	if v > e.value {
		tau = e.attack
	}
	if tau <= 0 {
		e.value = v
		return e.value
	}
	alpha := 1 - math.Exp2(-dt/tau)
	e.value = (1-alpha)*e.value + alpha*v
	return e.value
}

// Set forces the smoothed value, bypassing the blend.
func (e *EMA) Set(v float64) {
	e.value = v
}

// Value returns the current smoothed value.
func (e *EMA) Value() float64 {
	return e.value
}
