package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/tts"
	"github.com/voxbridge/voxbridge/pkg/tts/elevenlabs"
	"github.com/voxbridge/voxbridge/pkg/tts/mock"
	"github.com/voxbridge/voxbridge/pkg/tts/openai"
)

// ErrProviderNotRegistered is returned by [Registry.CreateTTS] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TTSFactory constructs a TTS provider from its configuration block.
type TTSFactory func(TTSConfig) (tts.Provider, error)

// Registry maps TTS provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	tts map[string]TTSFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts: make(map[string]TTSFactory),
	}
}

// DefaultRegistry returns a [Registry] with the built-in providers
// (elevenlabs, openai, mock) registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterTTS("elevenlabs", func(cfg TTSConfig) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if cfg.Model != "" {
			opts = append(opts, elevenlabs.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, elevenlabs.WithTimeout(cfg.Timeout.Std()))
		}
		return elevenlabs.New(cfg.APIKey, cfg.VoiceID, opts...)
	})

	r.RegisterTTS("openai", func(cfg TTSConfig) (tts.Provider, error) {
		var opts []openai.Option
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.VoiceID != "" {
			opts = append(opts, openai.WithVoice(cfg.VoiceID))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(cfg.Timeout.Std()))
		}
		return openai.New(cfg.APIKey, opts...)
	})

	r.RegisterTTS("mock", func(TTSConfig) (tts.Provider, error) {
		return mock.New(), nil
	})

	return r
}

// RegisterTTS registers a TTS provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateTTS instantiates a TTS provider using the factory registered under
// cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateTTS(cfg TTSConfig) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
