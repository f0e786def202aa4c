package discord

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"layeh.com/gopus"

	"github.com/MrWong99/bardic/pkg/audio"
)

// Voice packets carry exactly one transport frame.
var (
	opusSampleRate = audio.TransportFormat.SampleRate
	opusChannels   = audio.TransportFormat.Channels
	opusFrameBytes = audio.FrameBytes(audio.TransportFormat)
)

// maxPacketBytes bounds one encoded packet. Opus never needs more than this
// for 20 ms of stereo audio.
const maxPacketBytes = 4000

// packetizer turns a PCM byte stream of arbitrary chunk sizes into Opus
// packets of one frame each. A tail shorter than a frame is held back until
// more PCM arrives or flush pads it with silence.
type packetizer struct {
	guildID string
	enc     *gopus.Encoder
	pending []byte
	samples []int16
}

func newPacketizer(guildID string) (*packetizer, error) {
	// Music, not speech: full-band Audio rather than VoIP tuning.
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &packetizer{
		guildID: guildID,
		enc:     enc,
		samples: make([]int16, opusFrameBytes/2),
	}, nil
}

// write buffers pcm and hands every complete packet to emit. It returns
// false as soon as emit does.
func (p *packetizer) write(pcm []byte, emit func([]byte) bool) bool {
	p.pending = append(p.pending, pcm...)
	n := 0
	for len(p.pending)-n >= opusFrameBytes {
		frame := p.pending[n : n+opusFrameBytes]
		n += opusFrameBytes
		if !p.emitFrame(frame, emit) {
			p.pending = p.pending[:copy(p.pending, p.pending[n:])]
			return false
		}
	}
	p.pending = p.pending[:copy(p.pending, p.pending[n:])]
	return true
}

// flush encodes the held tail zero-padded to a full frame, so the last few
// milliseconds of a stream are not dropped.
func (p *packetizer) flush(emit func([]byte) bool) bool {
	if len(p.pending) == 0 {
		return true
	}
	frame := make([]byte, opusFrameBytes)
	copy(frame, p.pending)
	p.pending = p.pending[:0]
	return p.emitFrame(frame, emit)
}

// emitFrame encodes one frame. A frame the encoder rejects is skipped.
func (p *packetizer) emitFrame(frame []byte, emit func([]byte) bool) bool {
	for i := range p.samples {
		p.samples[i] = int16(binary.LittleEndian.Uint16(frame[2*i:]))
	}
	packet, err := p.enc.Encode(p.samples, len(p.samples)/opusChannels, maxPacketBytes)
	if err != nil {
		slog.Warn("discord: opus encode error", "guild_id", p.guildID, "err", err)
		return true
	}
	return emit(packet)
}
