package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusFrameMs is the Opus frame duration used for client-bound packets.
const opusFrameMs = 20

// OpusEncoder packetises a mono PCM16 stream into Opus frames. Synthesised
// audio arrives in arbitrarily sized chunks, so the encoder buffers input and
// emits one packet per complete 20 ms frame. The encoder keeps codec state
// across calls; create one per session output stream.
type OpusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
	// frameBytes is the byte length of one 20 ms mono PCM16 frame.
	frameBytes int
	pending    []byte
}

// NewOpusEncoder creates an encoder for mono PCM16 input at sampleRate.
// Opus requires a rate of 8000, 12000, 16000, 24000 or 48000 Hz.
func NewOpusEncoder(sampleRate int) (*OpusEncoder, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("audio: opus unsupported sample rate %d", sampleRate)
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		frameBytes: sampleRate * opusFrameMs / 1000 * 2,
	}, nil
}

// Encode appends pcm to the pending buffer and returns one Opus packet per
// complete frame now available. Returns nil when less than a full frame is
// buffered.
func (e *OpusEncoder) Encode(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, pcm...)

	var packets [][]byte
	for len(e.pending) >= e.frameBytes {
		frame := e.pending[:e.frameBytes]
		e.pending = e.pending[e.frameBytes:]

		pkt, err := e.enc.Encode(bytesToInt16s(frame), e.frameBytes/2, e.frameBytes)
		if err != nil {
			return packets, fmt.Errorf("audio: opus encode: %w", err)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// Reset drops any buffered partial frame. Call when a stream is abandoned
// mid-utterance so its tail does not leak into the next one.
func (e *OpusEncoder) Reset() {
	e.pending = e.pending[:0]
}

// Flush pads any partial pending frame with silence and returns the final
// packet, or nil when nothing is pending. Call at the end of an utterance.
func (e *OpusEncoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame := make([]byte, e.frameBytes)
	copy(frame, e.pending)
	e.pending = e.pending[:0]

	pkt, err := e.enc.Encode(bytesToInt16s(frame), e.frameBytes/2, e.frameBytes)
	if err != nil {
		return nil, fmt.Errorf("audio: opus flush: %w", err)
	}
	return pkt, nil
}
