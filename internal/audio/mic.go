package audio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// MicSource captures from a local microphone through miniaudio. The device
// runs at its native sample rate; the pipeline resamples.
type MicSource struct {
	ctx *malgo.AllocatedContext
	log zerolog.Logger
}

// NewMicSource initialises the audio backend.
func NewMicSource(log zerolog.Logger) (*MicSource, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("init audio backend: %w", err))
	}
	return &MicSource{ctx: ctx, log: log}, nil
}

// Devices lists capture devices. IDs are hex-encoded backend identifiers.
func (m *MicSource) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, classify(fmt.Errorf("malgo devices: %w", err))
	}
	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   deviceKey(d.ID),
			Name: d.Name(),
		})
	}
	return result, nil
}

// Open initialises a capture device. An empty DeviceID selects the system default.
func (m *MicSource) Open(c Constraints) (Input, error) {
	channels := c.Channels
	if channels < 1 {
		channels = 1
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = 0 // native

	if c.DeviceID != "" {
		id, err := m.lookup(c.DeviceID)
		if err != nil {
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}
	if c.EchoCancellation || c.NoiseSuppression {
		m.log.Debug().Msg("Echo cancellation and noise suppression are left to the OS input chain")
	}

	in := &micInput{channels: channels}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			in.deliver(data)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, classify(fmt.Errorf("init capture device: %w", err))
	}
	in.dev = dev
	return in, nil
}

func (m *MicSource) lookup(deviceID string) (*malgo.DeviceID, error) {
	if _, err := hex.DecodeString(deviceID); err != nil {
		return nil, fmt.Errorf("%w: invalid device id %q", ErrDeviceNotFound, deviceID)
	}
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, classify(fmt.Errorf("malgo devices: %w", err))
	}
	for _, d := range devices {
		if deviceKey(d.ID) == deviceID {
			id := d.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

// deviceKey is the hex form of a backend device identifier.
func deviceKey(id malgo.DeviceID) string {
	return hex.EncodeToString(id[:])
}

// Close releases the audio backend.
func (m *MicSource) Close() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

type micInput struct {
	dev      *malgo.Device
	channels int

	mu     sync.Mutex
	cb     BlockFunc
	closed bool
}

func (in *micInput) SampleRate() int {
	return int(in.dev.SampleRate())
}

func (in *micInput) Start(cb BlockFunc) error {
	in.mu.Lock()
	in.cb = cb
	in.mu.Unlock()
	if err := in.dev.Start(); err != nil {
		return classify(fmt.Errorf("start capture: %w", err))
	}
	return nil
}

func (in *micInput) deliver(data []byte) {
	in.mu.Lock()
	cb := in.cb
	in.mu.Unlock()
	if cb == nil {
		return
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	cb(downmix(samples, in.channels))
}

func (in *micInput) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.cb = nil
	in.mu.Unlock()

	err := in.dev.Stop()
	in.dev.Uninit()
	return err
}
