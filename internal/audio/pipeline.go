package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultQueueBlocks bounds the handoff between the capture thread and the
// resampler. Blocks arriving while the queue is full are dropped.
const DefaultQueueBlocks = 32

// Pipeline owns one capture input at a time and turns its blocks into 16 kHz
// PCM frames. The capture callback never waits: it hands each block to the
// processing goroutine with a non-blocking send.
type Pipeline struct {
	src       Source
	log       zerolog.Logger
	queueSize int

	mu    sync.Mutex
	input Input
	done  chan struct{}
	wg    sync.WaitGroup

	frames  atomic.Uint64
	dropped atomic.Uint64
}

// NewPipeline creates a pipeline reading from src.
func NewPipeline(src Source, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		src:       src,
		log:       log,
		queueSize: DefaultQueueBlocks,
	}
}

// Acquire opens the device and starts emitting frames. Any input still held
// from a previous call is released first. Errors wrap one of the package
// sentinels.
func (p *Pipeline) Acquire(deviceID string, emit func(frame []byte)) error {
	if p.src == nil {
		return ErrEnvironmentUnsupported
	}
	p.Release()

	p.mu.Lock()
	defer p.mu.Unlock()

	input, err := p.src.Open(DefaultConstraints(deviceID))
	if err != nil {
		return err
	}

	rate := input.SampleRate()
	if rate <= 0 {
		input.Close()
		return fmt.Errorf("%w: invalid sample rate %d", ErrDevice, rate)
	}

	blocks := make(chan []float32, p.queueSize)
	done := make(chan struct{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-done:
				return
			case block := <-blocks:
				frame := Process(block, rate)
				if len(frame) == 0 {
					continue
				}
				p.frames.Add(1)
				emit(frame)
			}
		}
	}()

	err = input.Start(func(block []float32) {
		cp := make([]float32, len(block))
		copy(cp, block)
		select {
		case <-done:
		case blocks <- cp:
		default:
			p.dropped.Add(1)
		}
	})
	if err != nil {
		close(done)
		p.wg.Wait()
		input.Close()
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceNotFound) ||
			errors.Is(err, ErrDevice) || errors.Is(err, ErrEnvironmentUnsupported) {
			return err
		}
		return classify(err)
	}

	p.input = input
	p.done = done
	p.log.Info().Str("device", deviceID).Int("sampleRate", rate).Msg("Audio capture started")
	return nil
}

// Release stops the input and the processing goroutine. Safe to call more
// than once and before Acquire.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.input == nil {
		return
	}
	if err := p.input.Close(); err != nil {
		p.log.Warn().Err(err).Msg("Closing audio input")
	}
	close(p.done)
	p.wg.Wait()

	p.input = nil
	p.done = nil
	p.log.Info().
		Uint64("frames", p.frames.Load()).
		Uint64("dropped", p.dropped.Load()).
		Msg("Audio capture stopped")
}

// Active reports whether an input is currently held.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input != nil
}

// Dropped is the number of capture blocks discarded because the resampler
// fell behind.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Devices lists capture devices when the source supports enumeration.
func (p *Pipeline) Devices() ([]DeviceInfo, error) {
	lister, ok := p.src.(DeviceLister)
	if !ok {
		return nil, ErrEnvironmentUnsupported
	}
	return lister.Devices()
}
