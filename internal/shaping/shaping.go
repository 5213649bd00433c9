// Package shaping converts raw rumble samples into device speeds.
package shaping

import (
	"math"

	"github.com/vibrouter/router/pkg/core"
)

// Params are the operator controls applied to every sample.
type Params struct {
	Multiplier float64 `json:"multiplier"`
	Baseline   float64 `json:"baseline"`
}

// DefaultParams leaves the game's rumble untouched.
func DefaultParams() Params {
	return Params{Multiplier: 1, Baseline: 0}
}

// Normalize clamps the multiplier to >= 0 and the baseline to [0,1].
func (p Params) Normalize() Params {
	return Params{
		Multiplier: ClampMultiplier(p.Multiplier),
		Baseline:   ClampBaseline(p.Baseline),
	}
}

// ClampMultiplier maps negative and NaN values to 0.
func ClampMultiplier(m float64) float64 {
	if math.IsNaN(m) || m < 0 {
		return 0
	}
	return m
}

// ClampBaseline maps the baseline into [0,1]; NaN becomes 0.
func ClampBaseline(b float64) float64 {
	if math.IsNaN(b) || b < 0 {
		return 0
	}
	if b > 1 {
		return 1
	}
	return b
}

// Shape returns the speed to send to a device for the given sample.
// The result never leaves [0,1]: some devices misbehave above full speed.
func Shape(v core.Vibration, p Params) float64 {
	p = p.Normalize()

	scaled := v.Average() * p.Multiplier
	if math.IsNaN(scaled) {
		// 0 * +Inf
		scaled = 0
	}

	return math.Min(math.Max(scaled, p.Baseline), 1.0)
}
