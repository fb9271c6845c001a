package resilience

import (
	"context"

	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
//
// The wrapper advertises the primary's name and sample rate. When a fallback
// with a different native rate serves a stream, its audio is resampled so
// downstream consumers see one consistent rate regardless of which backend
// answered.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
	name  string
	rate  int
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
		name:  primary.Name(),
		rate:  primary.SampleRate(),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(provider tts.Provider) {
	f.group.AddFallback(provider.Name(), provider)
}

// Name implements tts.Provider. It reports the primary backend's name.
func (f *TTSFallback) Name() string { return f.name }

// SampleRate implements tts.Provider. All served audio is normalised to the
// primary backend's rate.
func (f *TTSFallback) SampleRate() int { return f.rate }

// Stream synthesises one segment using the first healthy backend. Only stream
// setup is covered by failover; a mid-stream error surfaces to the caller as a
// terminal chunk, the way a single provider's would.
func (f *TTSFallback) Stream(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	type opened struct {
		ch   <-chan tts.Chunk
		rate int
	}

	res, err := ExecuteWithResult(f.group, func(p tts.Provider) (opened, error) {
		ch, err := p.Stream(ctx, text)
		if err != nil {
			return opened{}, err
		}
		return opened{ch: ch, rate: p.SampleRate()}, nil
	})
	if err != nil {
		return nil, err
	}
	if res.rate == f.rate {
		return res.ch, nil
	}
	return f.resampled(ctx, res.ch, res.rate), nil
}

// resampled relays chunks from a fallback stream, converting its audio to the
// advertised sample rate.
func (f *TTSFallback) resampled(ctx context.Context, in <-chan tts.Chunk, srcRate int) <-chan tts.Chunk {
	out := make(chan tts.Chunk, 8)
	go func() {
		defer close(out)
		for chunk := range in {
			if chunk.Err == nil {
				chunk.Data = audio.ResampleMono16(chunk.Data, srcRate, f.rate)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
