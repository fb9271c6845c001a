package realtime

// Event is the closed interface implemented by all upstream events surfaced
// by a [Client]. The session handler consumes the event stream from a single
// goroutine and type-switches on the concrete types below, so no callback
// state is ever shared across tasks.
type Event interface {
	isEvent()
}

// SessionCreated reports that the upstream engine accepted the session.
type SessionCreated struct {
	// SessionID is the upstream-assigned session identifier.
	SessionID string
}

// ResponseStarted reports that the engine began generating a response.
type ResponseStarted struct {
	// ResponseID identifies the in-flight response; deltas tagged with any
	// other id are stale and already dropped by the client.
	ResponseID string
}

// TextDelta carries one incremental text fragment of the in-flight response.
// Emitted unconditionally for transcript mirroring, independent of segment
// extraction.
type TextDelta struct {
	Text string
}

// SegmentReady carries one speakable segment extracted by the session's
// sentence boundary detector.
type SegmentReady struct {
	Text string

	// Seq is the segment sequence number within the session, restarting from
	// zero after an interruption.
	Seq int
}

// AudioDelta carries one chunk of engine-synthesised audio (native-voice mode
// only). PCM is mono little-endian PCM16 at [UpstreamSampleRate].
type AudioDelta struct {
	PCM []byte
}

// SpeechStarted reports server-side voice activity detection on the input
// stream. When a response is speaking this also triggers the automatic
// barge-in cancel before the event is delivered.
type SpeechStarted struct{}

// Interrupted reports that the in-flight response was cancelled, either by
// barge-in or an explicit [Client.CancelResponse].
type Interrupted struct{}

// ResponseDone reports response completion. Any final partial sentence has
// already been emitted as a trailing [SegmentReady].
type ResponseDone struct {
	ResponseID string

	// Text is the full accumulated response text.
	Text string
}

// ErrorEvent carries a non-fatal upstream application error, or the transport
// error that terminated the receive loop.
type ErrorEvent struct {
	Err error
}

func (SessionCreated) isEvent()  {}
func (ResponseStarted) isEvent() {}
func (TextDelta) isEvent()       {}
func (SegmentReady) isEvent()    {}
func (AudioDelta) isEvent()      {}
func (SpeechStarted) isEvent()   {}
func (Interrupted) isEvent()     {}
func (ResponseDone) isEvent()    {}
func (ErrorEvent) isEvent()      {}
