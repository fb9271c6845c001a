// Package config provides the configuration schema, loader, registry and
// file watcher for the voxbridge gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "250ms"
// or "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogLevel controls log verbosity for the voxbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// VoiceMode selects who synthesises the assistant's voice.
type VoiceMode string

const (
	// VoiceModeNative relays the upstream engine's own audio to the client.
	VoiceModeNative VoiceMode = "native"

	// VoiceModeExternal extracts sentences from the upstream text stream and
	// synthesises them with the configured TTS provider.
	VoiceModeExternal VoiceMode = "external"
)

// IsValid reports whether m is a recognised voice mode.
func (m VoiceMode) IsValid() bool {
	return m == VoiceModeNative || m == VoiceModeExternal
}

// External reports whether synthesis goes through an external TTS provider.
// An unset mode defaults to external.
func (m VoiceMode) External() bool {
	return m == VoiceModeExternal || m == ""
}

// Codec selects the wire format for audio sent to clients.
type Codec string

const (
	CodecPCM  Codec = "pcm"
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a recognised client codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM || c == CodecOpus
}

// Config is the root configuration structure for voxbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	TTS         TTSConfig         `yaml:"tts"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	ClientAudio ClientAudioConfig `yaml:"client_audio"`
}

// ServerConfig holds network and logging settings for the voxbridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig configures the connection to the realtime conversation
// engine.
type UpstreamConfig struct {
	// APIKey authenticates against the upstream API. Supports ${ENV_VAR}
	// expansion (e.g., "${OPENAI_API_KEY}").
	APIKey string `yaml:"api_key"`

	// Model selects the realtime model. Empty uses the client default.
	Model string `yaml:"model"`

	// BaseURL overrides the upstream WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Mode selects native or external voice synthesis.
	Mode VoiceMode `yaml:"mode"`

	// Voice is the engine voice identifier, used in native mode.
	Voice string `yaml:"voice"`

	// Language tags the conversation language ("en", "ru", "en-US").
	// Also selects the sentence segmentation profile.
	Language string `yaml:"language"`

	// Instructions is the system prompt for every session.
	Instructions string `yaml:"instructions"`

	// Temperature is the sampling temperature. 0 uses the engine default.
	Temperature float64 `yaml:"temperature"`

	// MaxOutputTokens caps response length. 0 means unlimited.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// VAD tunes the upstream server-side voice activity detection.
	VAD VADConfig `yaml:"vad"`
}

// VADConfig tunes upstream server-side voice activity detection.
type VADConfig struct {
	// Threshold is the activation threshold in (0, 1]. 0 uses the default.
	Threshold float64 `yaml:"threshold"`

	// PrefixPadding is audio retained before detected speech (e.g., "300ms").
	PrefixPadding Duration `yaml:"prefix_padding"`

	// SilenceDuration is the silence window that ends an utterance
	// (e.g., "700ms").
	SilenceDuration Duration `yaml:"silence_duration"`
}

// TTSConfig selects and configures the external TTS provider. Ignored in
// native voice mode.
type TTSConfig struct {
	// Provider selects the registered provider implementation
	// (e.g., "elevenlabs", "openai").
	Provider string `yaml:"provider"`

	// APIKey is the provider's authentication key. Supports ${ENV_VAR}
	// expansion.
	APIKey string `yaml:"api_key"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Model selects a specific synthesis model within the provider.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds a single synthesis request (e.g., "30s"). 0 uses the
	// provider default.
	Timeout Duration `yaml:"timeout"`

	// Fallback optionally configures a second provider that serves synthesis
	// when this one fails or its circuit breaker is open. A fallback cannot
	// itself declare a fallback.
	Fallback *TTSConfig `yaml:"fallback"`
}

// SegmenterConfig tunes the sentence boundary detector.
type SegmenterConfig struct {
	// MinBuffer is the minimum buffered rune count before boundary detection
	// starts. 0 uses the detector default.
	MinBuffer int `yaml:"min_buffer"`

	// MinSegment is the minimum emitted segment length in runes.
	// 0 uses the detector default.
	MinSegment int `yaml:"min_segment"`
}

// ClientAudioConfig describes the audio format delivered to clients.
type ClientAudioConfig struct {
	// SampleRate is the PCM sample rate sent to clients. Synthesised audio is
	// resampled when the provider's native rate differs.
	SampleRate int `yaml:"sample_rate"`

	// Codec selects pcm (raw little-endian PCM16) or opus.
	Codec Codec `yaml:"codec"`
}
