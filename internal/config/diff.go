package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InstructionsChanged is true when the upstream system prompt changed.
	// Applies to sessions opened after the reload.
	InstructionsChanged bool

	// TTSChanged is true when the TTS provider, voice, model, endpoint, or
	// timeout changed. Applies to sessions opened after the reload.
	TTSChanged bool

	// SegmenterChanged is true when sentence detector tuning changed.
	SegmenterChanged bool
}

// Empty reports whether no hot-reloadable field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.InstructionsChanged && !d.TTSChanged && !d.SegmenterChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Upstream.Instructions != new.Upstream.Instructions {
		d.InstructionsChanged = true
	}

	if old.TTS != new.TTS {
		d.TTSChanged = true
	}

	if old.Segmenter != new.Segmenter {
		d.SegmenterChanged = true
	}

	return d
}
