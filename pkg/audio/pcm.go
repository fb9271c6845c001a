// Package audio provides PCM16 utilities for the voxbridge pipeline: sample
// rate conversion between the upstream engine, TTS providers, and the client,
// plus optional Opus packetisation of client-bound audio.
//
// All audio in the pipeline is mono little-endian 16-bit PCM.
package audio

import (
	"log/slog"
	"sync"
)

// Converter converts mono PCM16 chunks to a target sample rate. It logs a
// warning on the first rate mismatch and validates PCM alignment.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	// TargetRate is the output sample rate in Hz.
	TargetRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts pcm from srcRate to the target rate. If the rates already
// match, pcm is returned unchanged (zero allocation). Misaligned input (odd
// byte count for int16 PCM) is dropped with a one-time warning.
func (c *Converter) Convert(pcm []byte, srcRate int) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM data, dropping chunk",
				"bytes", len(pcm),
				"sample_rate", srcRate,
			)
		})
		return nil
	}

	if srcRate == c.TargetRate {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio sample rate mismatch: resampling",
			"from_hz", srcRate,
			"to_hz", c.TargetRate,
		)
	})

	return ResampleMono16(pcm, srcRate, c.TargetRate)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian PCM bytes to int16 samples. A trailing
// odd byte is ignored.
func bytesToInt16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}
