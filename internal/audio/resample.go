package audio

import (
	"encoding/binary"
	"math"
)

// TargetRate is the sample rate the upstream transcription API expects.
const TargetRate = 16000

// Resample converts a mono float32 block from deviceRate to TargetRate using
// linear interpolation between the two bracketing input samples. The output
// length is floor(len(block) * TargetRate / deviceRate).
func Resample(block []float32, deviceRate int) []float64 {
	if deviceRate <= 0 || len(block) == 0 {
		return nil
	}

	outLen := len(block) * TargetRate / deviceRate
	out := make([]float64, outLen)
	ratio := float64(deviceRate) / TargetRate

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s1 := float64(block[idx])
		s2 := s1
		if idx+1 < len(block) {
			s2 = float64(block[idx+1])
		}
		out[i] = s1 + (s2-s1)*frac
	}
	return out
}

// Quantize clamps v to [-1, 1] and scales it to a signed 16-bit sample,
// rounding to nearest.
func Quantize(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * 32767))
}

// Process resamples one raw block and returns it as little-endian 16-bit PCM,
// ready to be written to the upstream socket as a binary frame.
func Process(block []float32, deviceRate int) []byte {
	samples := Resample(block, deviceRate)
	frame := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(Quantize(s)))
	}
	return frame
}

// SlinToFloat decodes little-endian signed 16-bit PCM into float32 samples in [-1, 1).
func SlinToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// downmix averages interleaved channels into one.
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
