// Package mock provides a scripted tts.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/tts"
)

// Compile-time assertion that Provider satisfies the tts interface.
var _ tts.Provider = (*Provider)(nil)

// Provider is a deterministic in-memory TTS provider. For each Stream call it
// emits ChunksPerSegment chunks of ChunkBytes zero bytes, unless scripted
// otherwise. All calls are recorded.
type Provider struct {
	// ChunksPerSegment is the number of audio chunks emitted per Stream call.
	// Default 2.
	ChunksPerSegment int

	// ChunkBytes is the size of each emitted chunk. Default 320.
	ChunkBytes int

	// StartErr, when non-nil, is returned by Stream before any chunk is sent.
	StartErr error

	// StreamErr, when non-nil, is sent as a terminal error chunk after the
	// scripted data chunks.
	StreamErr error

	// Delay, when set, is how long Stream waits before emitting each chunk.
	// Lets tests keep a synthesis in flight while they interrupt it.
	Delay func() <-chan struct{}

	mu    sync.Mutex
	calls []string
}

// New returns a Provider with the default script.
func New() *Provider { return &Provider{} }

// Name implements tts.Provider.
func (p *Provider) Name() string { return "mock" }

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return 16000 }

// Stream implements tts.Provider.
func (p *Provider) Stream(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, text)
	p.mu.Unlock()

	if p.StartErr != nil {
		return nil, p.StartErr
	}

	n := p.ChunksPerSegment
	if n == 0 {
		n = 2
	}
	size := p.ChunkBytes
	if size == 0 {
		size = 320
	}

	ch := make(chan tts.Chunk, n+1)
	go func() {
		defer close(ch)
		for range n {
			if p.Delay != nil {
				select {
				case <-p.Delay():
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- tts.Chunk{Data: make([]byte, size)}:
			case <-ctx.Done():
				return
			}
		}
		if p.StreamErr != nil {
			select {
			case ch <- tts.Chunk{Err: p.StreamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Calls returns the texts passed to Stream, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}
