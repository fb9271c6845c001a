// Package tts defines the Provider interface for streaming text-to-speech
// backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or OpenAI)
// and presents a uniform per-segment streaming interface: Stream submits one
// text segment and returns audio chunks as the provider produces them, so
// playback can begin before synthesis of the segment completes.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrMissingAPIKey is returned by provider constructors when no credential is
// configured. Callers detect this before any synthesis attempt.
var ErrMissingAPIKey = errors.New("tts: missing API key")

// Chunk is one piece of synthesised audio. A non-nil Err marks a stream that
// failed mid-synthesis; it is always the final value sent on the channel.
type Chunk struct {
	// Data is raw mono PCM16 audio at the provider's [Provider.SampleRate].
	Data []byte

	// Err is non-nil on the terminal chunk of a failed stream. Data is empty
	// when Err is set.
	Err error
}

// Provider is the abstraction over any streaming TTS backend.
type Provider interface {
	// Name returns the provider identifier used in logs and client events
	// (e.g., "elevenlabs", "openai").
	Name() string

	// SampleRate returns the sample rate in Hz of the PCM audio this provider
	// emits.
	SampleRate() int

	// Stream synthesises one text segment. The returned channel emits audio
	// chunks as they arrive from the service and is closed when synthesis
	// completes, fails (terminal chunk carries the error), or ctx is
	// cancelled. A non-nil error return means the request could not be
	// started at all.
	Stream(ctx context.Context, text string) (<-chan Chunk, error)
}

// StatusError reports a non-success HTTP status from a synthesis service.
type StatusError struct {
	Provider string
	Status   int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.Status)
}
