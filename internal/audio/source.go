package audio

import (
	"errors"
	"strings"
)

// Acquisition failures. Sources wrap one of these so callers can branch on
// the cause with errors.Is.
var (
	ErrPermissionDenied       = errors.New("audio: permission denied")
	ErrDeviceNotFound         = errors.New("audio: device not found")
	ErrDevice                 = errors.New("audio: device error")
	ErrEnvironmentUnsupported = errors.New("audio: capture not supported in this environment")
)

// Constraints describe the stream requested from a Source.
type Constraints struct {
	DeviceID         string
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultConstraints asks for a mono stream with voice processing enabled.
func DefaultConstraints(deviceID string) Constraints {
	return Constraints{
		DeviceID:         deviceID,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// BlockFunc receives mono float32 blocks at the input's native rate. It runs
// on the capture thread and must not block.
type BlockFunc func(block []float32)

// Source opens capture inputs.
type Source interface {
	Open(c Constraints) (Input, error)
}

// Input is one opened capture stream.
type Input interface {
	SampleRate() int
	Start(cb BlockFunc) error
	Close() error
}

// DeviceInfo identifies a capture device.
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DeviceLister is implemented by sources that can enumerate devices.
type DeviceLister interface {
	Devices() ([]DeviceInfo, error)
}

// classify maps a backend error message onto one of the acquisition sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not allowed"):
		return errors.Join(ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "not found"), strings.Contains(msg, "does not exist"):
		return errors.Join(ErrDeviceNotFound, err)
	case strings.Contains(msg, "no backend"), strings.Contains(msg, "not supported"), strings.Contains(msg, "not implemented"):
		return errors.Join(ErrEnvironmentUnsupported, err)
	default:
		return errors.Join(ErrDevice, err)
	}
}
