package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// BlockDuration is the size of the blocks file-backed sources emit.
const BlockDuration = 20 * time.Millisecond

// WAVSource plays a WAV file into the pipeline as if it were a live device.
// The device id is ignored.
type WAVSource struct {
	Path     string
	Realtime bool
}

// NewWAVSource creates a file-backed source. With realtime set, blocks are
// paced at BlockDuration; otherwise the file is pushed as fast as the
// consumer allows.
func NewWAVSource(path string, realtime bool) *WAVSource {
	return &WAVSource{Path: path, Realtime: realtime}
}

func (s *WAVSource) Open(c Constraints) (Input, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, s.Path)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, s.Path)
		}
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	return &wavInput{samples: samples, rate: rate, realtime: s.Realtime}, nil
}

// DecodeWAV decodes a WAV blob into mono float32 samples and its sample rate.
func DecodeWAV(b []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(b))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && err != io.EOF {
		return nil, 0, err
	}
	if buf == nil {
		return nil, 0, errors.New("empty wav buffer")
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))

	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}

	channels := int(dec.NumChans)
	if channels < 1 && buf.Format != nil {
		channels = buf.Format.NumChannels
	}
	rate := int(dec.SampleRate)
	if rate == 0 && buf.Format != nil {
		rate = buf.Format.SampleRate
	}
	if rate == 0 {
		return nil, 0, errors.New("wav file has no sample rate")
	}
	return downmix(out, channels), rate, nil
}

type wavInput struct {
	samples  []float32
	rate     int
	realtime bool

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func (in *wavInput) SampleRate() int { return in.rate }

func (in *wavInput) Start(cb BlockFunc) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return fmt.Errorf("%w: input closed", ErrDevice)
	}
	if in.stop != nil {
		return nil
	}
	in.stop = make(chan struct{})
	in.done = make(chan struct{})
	go in.feed(cb, in.stop, in.done)
	return nil
}

func (in *wavInput) feed(cb BlockFunc, stop, done chan struct{}) {
	defer close(done)

	blockLen := in.rate * int(BlockDuration) / int(time.Second)
	if blockLen < 1 {
		blockLen = 1
	}

	var ticker *time.Ticker
	if in.realtime {
		ticker = time.NewTicker(BlockDuration)
		defer ticker.Stop()
	}

	for off := 0; off < len(in.samples); off += blockLen {
		if ticker != nil {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		} else {
			select {
			case <-stop:
				return
			default:
			}
		}
		end := min(off+blockLen, len(in.samples))
		cb(in.samples[off:end])
	}
}

func (in *wavInput) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	stop, done := in.stop, in.done
	in.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}
