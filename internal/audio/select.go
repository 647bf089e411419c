package audio

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Source kinds accepted by NewSource.
const (
	SourceMic         = "mic"
	SourceWAV         = "wav"
	SourceAudioSocket = "audiosocket"
)

type SourceOptions struct {
	WAVPath         string
	WAVRealtime     bool
	AudioSocketAddr string
}

// NewSource builds the capture source named by kind. release frees backend
// resources and must be called once capture is finished.
func NewSource(kind string, opts SourceOptions, log zerolog.Logger) (src Source, release func(), err error) {
	switch kind {
	case SourceMic:
		mic, err := NewMicSource(log)
		if err != nil {
			return nil, nil, err
		}
		return mic, mic.Close, nil
	case SourceWAV:
		return NewWAVSource(opts.WAVPath, opts.WAVRealtime), func() {}, nil
	case SourceAudioSocket:
		return NewAudioSocketSource(opts.AudioSocketAddr, log), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown source %q", ErrEnvironmentUnsupported, kind)
	}
}
