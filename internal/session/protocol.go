package session

import "time"

// Client-to-server command types carried in JSON text frames. Binary frames
// are raw PCM audio and carry no envelope.
const (
	CmdAudioCommit = "audio.commit"
	CmdInterrupt   = "interrupt"
	CmdGetStats    = "get.stats"
	CmdPing        = "ping"
)

// clientCommand is the envelope of incoming text frames.
type clientCommand struct {
	Type string `json:"type"`
}

// Server-to-client event types.
const (
	EvtConnectionEstablished = "connection.established"
	EvtSessionReady          = "session.ready"
	EvtTextDelta             = "text.delta"
	EvtSentenceReady         = "sentence.ready"
	EvtSentenceAudioComplete = "sentence.audio_complete"
	EvtMetricsFirstAudio     = "metrics.first_audio"
	EvtInterruption          = "interruption"
	EvtTTSError              = "tts.error"
	EvtUpstreamError         = "openai.error"
	EvtError                 = "error"
	EvtStats                 = "stats"
	EvtPing                  = "ping"
	EvtPong                  = "pong"
)

// ServerEvent is the envelope of outgoing text frames. Optional fields are
// omitted when empty; Timestamp is stamped by the session's send path.
type ServerEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`

	// connection.established
	SessionID string `json:"session_id,omitempty"`

	// text.delta, sentence.ready
	Text string `json:"text,omitempty"`

	// sentence.ready, sentence.audio_complete
	Seq *int `json:"seq,omitempty"`

	// sentence.audio_complete
	Bytes  int `json:"bytes,omitempty"`
	Chunks int `json:"chunks,omitempty"`

	// metrics.first_audio, tts.error
	Provider string `json:"provider,omitempty"`

	// metrics.first_audio
	LatencyMs float64 `json:"latency_ms,omitempty"`

	// interruption
	Source string `json:"source,omitempty"`

	// tts.error, openai.error, error
	Message string `json:"message,omitempty"`

	// stats
	Stats *StatsSnapshot `json:"stats,omitempty"`
}

// stamp sets the event timestamp to now in RFC3339 with nanoseconds.
func (e *ServerEvent) stamp() {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
}
