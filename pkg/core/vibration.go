// pkg/core/vibration.go
package core

// MaxMotorSpeed is the upper bound of a single rumble motor magnitude as
// reported by the game controller API.
const MaxMotorSpeed = 65535

// Vibration is one rumble sample reported by the hooked process.
// Two samples are equal only when both motor speeds are equal.
type Vibration struct {
	LeftMotorSpeed  uint16 `json:"left"`
	RightMotorSpeed uint16 `json:"right"`
}

// Average returns the mean of both motors normalized to [0,1].
func (v Vibration) Average() float64 {
	return (float64(v.LeftMotorSpeed) + float64(v.RightMotorSpeed)) / (2.0 * MaxMotorSpeed)
}

// IsZero reports whether both motors are stopped.
func (v Vibration) IsZero() bool {
	return v.LeftMotorSpeed == 0 && v.RightMotorSpeed == 0
}
