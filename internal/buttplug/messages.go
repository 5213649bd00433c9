package buttplug

import (
	"encoding/json"
	"fmt"

	"github.com/vibrouter/router/pkg/core"
)

// MessageVersion is the protocol message spec version spoken by the client.
const MessageVersion = 2

// Message names.
const (
	MsgOk                = "Ok"
	MsgError             = "Error"
	MsgPing              = "Ping"
	MsgRequestServerInfo = "RequestServerInfo"
	MsgServerInfo        = "ServerInfo"
	MsgRequestDeviceList = "RequestDeviceList"
	MsgDeviceList        = "DeviceList"
	MsgDeviceAdded       = "DeviceAdded"
	MsgDeviceRemoved     = "DeviceRemoved"
	MsgStartScanning     = "StartScanning"
	MsgScanningFinished  = "ScanningFinished"
	MsgVibrateCmd        = "VibrateCmd"
	MsgStopAllDevices    = "StopAllDevices"
)

// Error codes sent by the server.
const (
	ErrorUnknown = iota
	ErrorInit
	ErrorPing
	ErrorMsg
	ErrorDevice
)

// IDMessage is any message carrying only an Id.
type IDMessage struct {
	ID uint32 `json:"Id"`
}

type RequestServerInfo struct {
	ID             uint32 `json:"Id"`
	ClientName     string `json:"ClientName"`
	MessageVersion int    `json:"MessageVersion"`
}

type ServerInfo struct {
	ID             uint32 `json:"Id"`
	ServerName     string `json:"ServerName"`
	MessageVersion int    `json:"MessageVersion"`
	MaxPingTime    int    `json:"MaxPingTime"`
}

// MessageAttributes describes a device message; FeatureCount is the number
// of actuators the message addresses.
type MessageAttributes struct {
	FeatureCount uint32 `json:"FeatureCount,omitempty"`
}

type Device struct {
	DeviceName     string                       `json:"DeviceName"`
	DeviceIndex    uint32                       `json:"DeviceIndex"`
	DeviceMessages map[string]MessageAttributes `json:"DeviceMessages"`
}

// Info converts the device to the router's descriptor.
func (d Device) Info() core.DeviceInfo {
	attrs, ok := d.DeviceMessages[MsgVibrateCmd]
	return core.DeviceInfo{
		Index:           d.DeviceIndex,
		Name:            d.DeviceName,
		VibratorCount:   attrs.FeatureCount,
		SupportsVibrate: ok && attrs.FeatureCount > 0,
	}
}

type DeviceList struct {
	ID      uint32   `json:"Id"`
	Devices []Device `json:"Devices"`
}

type DeviceAdded struct {
	ID uint32 `json:"Id"`
	Device
}

type DeviceRemoved struct {
	ID          uint32 `json:"Id"`
	DeviceIndex uint32 `json:"DeviceIndex"`
}

type VibrateSpeed struct {
	Index uint32  `json:"Index"`
	Speed float64 `json:"Speed"`
}

type VibrateCmd struct {
	ID          uint32         `json:"Id"`
	DeviceIndex uint32         `json:"DeviceIndex"`
	Speeds      []VibrateSpeed `json:"Speeds"`
}

type ErrorMessage struct {
	ID           uint32 `json:"Id"`
	ErrorMessage string `json:"ErrorMessage"`
	ErrorCode    int    `json:"ErrorCode"`
}

// DeviceError is an Error reply from the server.
type DeviceError struct {
	Code    int
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device server error %d: %s", e.Code, e.Message)
}

// Incoming is one decoded message of a server frame.
type Incoming struct {
	Type string
	ID   uint32
	Body json.RawMessage
}

// Decode unmarshals the body into out.
func (m Incoming) Decode(out any) error {
	if err := json.Unmarshal(m.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Encode builds a frame holding a single message. Frames are JSON arrays of
// objects with the message name as their only key.
func Encode(msgType string, body any) ([]byte, error) {
	data, err := json.Marshal([]map[string]any{{msgType: body}})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return data, nil
}

// DecodeFrame splits a server frame into its messages.
func DecodeFrame(data []byte) ([]Incoming, error) {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	out := make([]Incoming, 0, len(raw))
	for _, m := range raw {
		for msgType, body := range m {
			var id IDMessage
			if err := json.Unmarshal(body, &id); err != nil {
				return nil, fmt.Errorf("decode %s id: %w", msgType, err)
			}
			out = append(out, Incoming{Type: msgType, ID: id.ID, Body: body})
		}
	}
	return out, nil
}

func newVibrateCmd(id uint32, cmd core.VibrateCommand) VibrateCmd {
	speeds := make([]VibrateSpeed, len(cmd.Speeds))
	for i, a := range cmd.Speeds {
		speeds[i] = VibrateSpeed{Index: a.Index, Speed: a.Speed}
	}
	return VibrateCmd{ID: id, DeviceIndex: cmd.DeviceIndex, Speeds: speeds}
}
