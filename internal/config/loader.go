package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidTTSProviderNames lists known TTS provider names. Used by [Validate] to
// warn about unrecognised provider names.
var ValidTTSProviderNames = []string{"elevenlabs", "openai", "mock"}

// Supported client sample rates. Opus additionally requires one of the rates
// the codec accepts.
var validSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references
// in secret fields, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	cfg.Upstream.APIKey = expandEnv(cfg.Upstream.APIKey)
	cfg.TTS.APIKey = expandEnv(cfg.TTS.APIKey)
	if cfg.TTS.Fallback != nil {
		cfg.TTS.Fallback.APIKey = expandEnv(cfg.TTS.Fallback.APIKey)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} references with environment values. Bare $VAR is
// left alone so literal keys containing dollar signs survive.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		return os.Getenv(name)
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Upstream
	if cfg.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream.api_key is required"))
	}
	if cfg.Upstream.Mode != "" && !cfg.Upstream.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("upstream.mode %q is invalid; valid values: native, external", cfg.Upstream.Mode))
	}
	if cfg.Upstream.Temperature < 0 || cfg.Upstream.Temperature > 2 {
		errs = append(errs, fmt.Errorf("upstream.temperature %.2f is out of range [0, 2]", cfg.Upstream.Temperature))
	}
	if cfg.Upstream.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_output_tokens %d must not be negative", cfg.Upstream.MaxOutputTokens))
	}
	if t := cfg.Upstream.VAD.Threshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("upstream.vad.threshold %.2f is out of range [0, 1]", t))
	}
	if cfg.Upstream.VAD.PrefixPadding < 0 {
		errs = append(errs, errors.New("upstream.vad.prefix_padding must not be negative"))
	}
	if cfg.Upstream.VAD.SilenceDuration < 0 {
		errs = append(errs, errors.New("upstream.vad.silence_duration must not be negative"))
	}

	// Voice mode ↔ TTS cross-validation
	mode := cfg.Upstream.Mode
	if mode == "" || mode == VoiceModeExternal {
		if cfg.TTS.Provider == "" {
			errs = append(errs, errors.New("tts.provider is required in external voice mode"))
		} else {
			validateTTSProviderName(cfg.TTS.Provider)
			if cfg.TTS.Provider != "mock" && cfg.TTS.APIKey == "" {
				errs = append(errs, fmt.Errorf("tts.api_key is required for provider %q", cfg.TTS.Provider))
			}
		}
	}
	if mode == VoiceModeNative && cfg.TTS.Provider != "" {
		slog.Warn("tts.provider is configured but voice mode is native; the provider will not be used",
			"provider", cfg.TTS.Provider,
		)
	}
	if cfg.TTS.Timeout < 0 {
		errs = append(errs, errors.New("tts.timeout must not be negative"))
	}
	if fb := cfg.TTS.Fallback; fb != nil {
		if fb.Provider == "" {
			errs = append(errs, errors.New("tts.fallback.provider is required when a fallback is set"))
		} else {
			validateTTSProviderName(fb.Provider)
			if fb.Provider != "mock" && fb.APIKey == "" {
				errs = append(errs, fmt.Errorf("tts.fallback.api_key is required for provider %q", fb.Provider))
			}
		}
		if fb.Fallback != nil {
			errs = append(errs, errors.New("tts.fallback must not declare its own fallback"))
		}
	}

	// Segmenter
	if cfg.Segmenter.MinBuffer < 0 {
		errs = append(errs, errors.New("segmenter.min_buffer must not be negative"))
	}
	if cfg.Segmenter.MinSegment < 0 {
		errs = append(errs, errors.New("segmenter.min_segment must not be negative"))
	}

	// Client audio
	if cfg.ClientAudio.Codec != "" && !cfg.ClientAudio.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("client_audio.codec %q is invalid; valid values: pcm, opus", cfg.ClientAudio.Codec))
	}
	if sr := cfg.ClientAudio.SampleRate; sr != 0 {
		if cfg.ClientAudio.Codec == CodecOpus && !slices.Contains(validSampleRates, sr) {
			errs = append(errs, fmt.Errorf("client_audio.sample_rate %d is not usable with opus; valid rates: %v", sr, validSampleRates))
		}
		if sr < 8000 || sr > 48000 {
			errs = append(errs, fmt.Errorf("client_audio.sample_rate %d is out of range [8000, 48000]", sr))
		}
	}

	return errors.Join(errs...)
}

// validateTTSProviderName logs a warning if name is not found in
// [ValidTTSProviderNames].
func validateTTSProviderName(name string) {
	if slices.Contains(ValidTTSProviderNames, name) {
		return
	}
	slog.Warn("unknown TTS provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidTTSProviderNames,
	)
}
