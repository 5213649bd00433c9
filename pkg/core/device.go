// pkg/core/device.go
package core

// DeviceInfo describes a device known to the device server.
type DeviceInfo struct {
	Index           uint32 `json:"index"`
	Name            string `json:"name"`
	VibratorCount   uint32 `json:"vibratorCount"`
	SupportsVibrate bool   `json:"supportsVibrate"`
}

// Actuation is the speed for a single vibrator of a device.
type Actuation struct {
	Index uint32  `json:"index"`
	Speed float64 `json:"speed"`
}

// VibrateCommand sets the speed of every listed vibrator of one device.
type VibrateCommand struct {
	DeviceIndex uint32
	Speeds      []Actuation
}

// NewVibrateCommand builds a command driving all vibrators of the device
// at the same speed.
func NewVibrateCommand(dev DeviceInfo, speed float64) VibrateCommand {
	speeds := make([]Actuation, 0, dev.VibratorCount)
	for i := uint32(0); i < dev.VibratorCount; i++ {
		speeds = append(speeds, Actuation{Index: i, Speed: speed})
	}
	return VibrateCommand{DeviceIndex: dev.Index, Speeds: speeds}
}
