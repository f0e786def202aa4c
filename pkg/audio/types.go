package audio

import (
	"io"
	"sync"
	"time"
)

// FrameDuration is the playback length of one transport frame.
const FrameDuration = 20 * time.Millisecond

// TransportFormat is the PCM layout every transport frame is converted to
// before encoding: 48 kHz interleaved stereo.
var TransportFormat = Format{SampleRate: 48000, Channels: 2}

// Frame is one chunk of interleaved little-endian int16 PCM audio.
type Frame struct {
	// Data holds the PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for transport output, 22050 for speech).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Source is a pull-based stream of audio frames.
//
// ReadFrame returns [io.EOF] once the stream is exhausted. Close releases any
// underlying process, file or buffer and must be safe to call more than once.
type Source interface {
	ReadFrame() (Frame, error)
	Close() error
}

// FrameBytes returns the number of PCM bytes covering one [FrameDuration] in
// format f.
func FrameBytes(f Format) int {
	return f.SampleRate * int(FrameDuration/time.Millisecond) / 1000 * f.Channels * 2
}

// PCMSource serves an in-memory PCM buffer as a [Source]. It is used for
// pre-synthesised audio such as speech.
type PCMSource struct {
	format Format
	chunk  int

	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewPCMSource returns a [PCMSource] that yields pcm in 20 ms frames of the
// given format. The final frame may be shorter.
func NewPCMSource(pcm []byte, f Format) *PCMSource {
	chunk := FrameBytes(f)
	if chunk <= 0 {
		chunk = FrameBytes(TransportFormat)
	}
	return &PCMSource{format: f, chunk: chunk, data: pcm}
}

// ReadFrame implements [Source].
func (s *PCMSource) ReadFrame() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.data) == 0 {
		return Frame{}, io.EOF
	}
	n := min(s.chunk, len(s.data))
	f := Frame{Data: s.data[:n], SampleRate: s.format.SampleRate, Channels: s.format.Channels}
	s.data = s.data[n:]
	return f, nil
}

// Close implements [Source]. It drops the buffer reference.
func (s *PCMSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}
