// Package realtime implements the client for the upstream OpenAI Realtime
// conversational engine.
//
// A [Client] owns one persistent bidirectional WebSocket session. It
// translates session-level intents (append audio, commit, cancel) into
// protocol messages and normalises the protocol's event stream into the typed
// events of this package, delivered on a single channel returned by
// [Client.Events]. Text deltas are fed through the session's sentence
// boundary detector so speakable segments surface as [SegmentReady] events
// alongside the raw [TextDelta] stream.
//
// The client does not reconnect: transport failure surfaces as a terminal
// [ErrorEvent] followed by channel close, and reconnection policy belongs to
// the session handler that owns the client.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/segment"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// UpstreamSampleRate is the fixed PCM16 sample rate of the Realtime API's
	// pcm16 audio format, both directions.
	UpstreamSampleRate = 24000

	// eventBuf is the buffer depth of the channel returned by Events. Sized
	// to absorb audio delta bursts without stalling the receive loop.
	eventBuf = 128
)

// Mode selects who synthesises the assistant's voice.
type Mode string

const (
	// ModeNative lets the upstream engine synthesise audio; its audio deltas
	// are relayed to the client as [AudioDelta] events.
	ModeNative Mode = "native"

	// ModeExternal requests text-only responses; extracted segments are
	// synthesised by an external TTS provider.
	ModeExternal Mode = "external"
)

// Config holds the session parameters sent in the initial session.update.
type Config struct {
	// APIKey authenticates against the upstream API. Required.
	APIKey string

	// Model selects the realtime model. Empty selects the default.
	Model string

	// BaseURL overrides the WebSocket endpoint. Primarily for tests.
	BaseURL string

	// Mode selects native or external voice. Empty defaults to ModeExternal.
	Mode Mode

	// Voice is the engine voice identifier used in native mode.
	Voice string

	// Language tags the conversation language and selects the sentence
	// detector profile ("en", "ru").
	Language string

	// Instructions is the system prompt for the session.
	Instructions string

	// Temperature is the sampling temperature. Zero means engine default.
	Temperature float64

	// MaxOutputTokens caps response length. Zero means unlimited.
	MaxOutputTokens int

	// VADThreshold is the server-VAD activation threshold in (0, 1].
	// Zero means engine default.
	VADThreshold float64

	// VADPrefixPadding is audio retained before detected speech.
	VADPrefixPadding time.Duration

	// VADSilenceDuration is the silence window that ends an utterance.
	VADSilenceDuration time.Duration

	// DetectorMinBuffer overrides the sentence detector's minimum buffer.
	// Zero keeps the detector default.
	DetectorMinBuffer int

	// DetectorMinSegment overrides the minimum emitted segment length.
	// Zero keeps the detector default.
	DetectorMinSegment int
}

// Client is a live upstream realtime session. Create with [Dial].
// All exported methods are safe for concurrent use.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	events chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// emitMu serialises event delivery with the closing of the events
	// channel, so an emit can never race the receive loop's shutdown.
	emitMu       sync.Mutex
	eventsClosed bool

	mu            sync.Mutex
	det           *segment.Detector
	sessionID     string
	responseID    string
	cancelledID   string
	speaking      bool
	textBuf       strings.Builder
	segmentSeq    int
	interruptions int
	closed        bool
}

// Dial establishes the upstream connection, sends the session configuration,
// and starts the background receive loop. The caller must consume
// [Client.Events] and call [Client.Close] when done.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("realtime: APIKey must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeExternal
	}

	wsURL := fmt.Sprintf("%s?model=%s", cfg.BaseURL, cfg.Model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	clientCtx, clientCancel := context.WithCancel(context.Background())

	var detOpts []segment.Option
	if cfg.DetectorMinBuffer > 0 {
		detOpts = append(detOpts, segment.WithMinBuffer(cfg.DetectorMinBuffer))
	}
	if cfg.DetectorMinSegment > 0 {
		detOpts = append(detOpts, segment.WithMinSegment(cfg.DetectorMinSegment))
	}

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		events: make(chan Event, eventBuf),
		ctx:    clientCtx,
		cancel: clientCancel,
		det:    segment.New(cfg.Language, detOpts...),
	}

	if err := c.sendSessionUpdate(); err != nil {
		clientCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	go c.receiveLoop()

	return c, nil
}

// Events returns the channel on which upstream events arrive. The channel is
// closed when the receive loop exits, after [Client.Close] or transport
// failure.
func (c *Client) Events() <-chan Event { return c.events }

// Interruptions returns the number of response cancellations performed over
// the session's lifetime.
func (c *Client) Interruptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptions
}

// ── Outgoing protocol messages ────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	Temperature       float64        `json:"temperature,omitempty"`
	MaxOutputTokens   int            `json:"max_response_output_tokens,omitempty"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// sendSessionUpdate configures modalities, voice, formats and turn detection.
func (c *Client) sendSessionUpdate() error {
	modalities := []string{"text", "audio"}
	if c.cfg.Mode == ModeExternal {
		modalities = []string{"text"}
	}

	params := sessionParams{
		Modalities:        modalities,
		Voice:             c.cfg.Voice,
		Instructions:      c.cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       c.cfg.Temperature,
		MaxOutputTokens:   c.cfg.MaxOutputTokens,
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         c.cfg.VADThreshold,
			PrefixPaddingMs:   int(c.cfg.VADPrefixPadding.Milliseconds()),
			SilenceDurationMs: int(c.cfg.VADSilenceDuration.Milliseconds()),
		},
	}
	return c.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// ── Session intents ───────────────────────────────────────────────────────────

// SendAudio forwards one chunk of client audio as a buffer-append message.
// A no-op after Close.
func (c *Client) SendAudio(chunk []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitAudio signals end-of-utterance and immediately requests response
// generation.
func (c *Client) CommitAudio() error {
	if err := c.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{"type": "response.create"})
}

// CancelResponse cancels the in-flight response: it clears the response id,
// resets the sentence detector and accumulated text, sends response.cancel
// upstream, and emits [Interrupted]. When no response is active only the
// housekeeping happens, with no upstream message and no event, so repeated
// calls are idempotent and never fail.
func (c *Client) CancelResponse() error {
	c.mu.Lock()
	active := c.responseID != "" || c.speaking
	if c.responseID != "" {
		c.cancelledID = c.responseID
	}
	c.responseID = ""
	c.speaking = false
	c.textBuf.Reset()
	c.det.Reset()
	c.segmentSeq = 0
	if active {
		c.interruptions++
	}
	c.mu.Unlock()

	if !active {
		return nil
	}

	err := c.writeJSON(map[string]string{"type": "response.cancel"})
	c.emit(Interrupted{})
	return err
}

// Close terminates the session and releases all resources. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// ── Incoming protocol events ──────────────────────────────────────────────────

// serverErrorDetail is the nested error object of an upstream error event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// session.created / session.updated
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	// response.created / response.done
	Response *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`

	// delta events carry the owning response id at the top level
	ResponseID string `json:"response_id,omitempty"`

	// response.text.delta / response.audio_transcript.delta /
	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// receiveLoop reads protocol events until the transport closes or the client
// is shut down. It owns the events channel and closes it on exit.
func (c *Client) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.emit(ErrorEvent{Err: fmt.Errorf("realtime: transport: %w", err)})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		c.handleServerEvent(&evt)
	}
}

func (c *Client) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		c.mu.Lock()
		if evt.Session != nil {
			c.sessionID = evt.Session.ID
		}
		id := c.sessionID
		c.mu.Unlock()
		c.emit(SessionCreated{SessionID: id})

	case "session.updated":
		c.mu.Lock()
		if evt.Session != nil && evt.Session.ID != "" {
			c.sessionID = evt.Session.ID
		}
		c.mu.Unlock()

	case "response.created":
		var id string
		if evt.Response != nil {
			id = evt.Response.ID
		}
		c.mu.Lock()
		c.responseID = id
		c.cancelledID = ""
		c.speaking = true
		c.textBuf.Reset()
		c.det.Reset()
		c.segmentSeq = 0
		c.mu.Unlock()
		c.emit(ResponseStarted{ResponseID: id})

	case "response.text.delta", "response.audio_transcript.delta":
		c.handleTextDelta(evt)

	case "response.audio.delta":
		if c.stale(evt.ResponseID) || evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		c.emit(AudioDelta{PCM: pcm})

	case "response.done":
		c.handleResponseDone(evt)

	case "input_audio_buffer.speech_started":
		c.mu.Lock()
		speaking := c.speaking || c.responseID != ""
		c.mu.Unlock()
		c.emit(SpeechStarted{})
		if speaking {
			// Automatic barge-in: the user started talking over the response.
			_ = c.CancelResponse()
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.emit(ErrorEvent{Err: fmt.Errorf("realtime: upstream: %s", msg)})
	}
}

// handleTextDelta appends the delta to the response text, runs the sentence
// detector, and emits TextDelta plus any extracted segments.
func (c *Client) handleTextDelta(evt *serverEvent) {
	if c.stale(evt.ResponseID) || evt.Delta == "" {
		return
	}

	c.mu.Lock()
	c.textBuf.WriteString(evt.Delta)
	segs := c.det.Add(evt.Delta)
	seqs := make([]int, len(segs))
	for i := range segs {
		seqs[i] = c.segmentSeq
		c.segmentSeq++
	}
	c.mu.Unlock()

	c.emit(TextDelta{Text: evt.Delta})
	for i, s := range segs {
		c.emit(SegmentReady{Text: s, Seq: seqs[i]})
	}
}

// handleResponseDone flushes the detector so a trailing partial sentence is
// not lost, then clears the per-response state.
func (c *Client) handleResponseDone(evt *serverEvent) {
	var id string
	if evt.Response != nil {
		id = evt.Response.ID
	}

	c.mu.Lock()
	if id != "" && id == c.cancelledID {
		// Completion of a cancelled response; its state was already flushed.
		c.cancelledID = ""
		c.mu.Unlock()
		return
	}
	if id != "" && c.responseID != "" && id != c.responseID {
		// Completion of a response superseded before it finished.
		c.mu.Unlock()
		return
	}
	final := c.det.Flush()
	var finalSeq int
	if final != "" {
		finalSeq = c.segmentSeq
		c.segmentSeq++
	}
	text := c.textBuf.String()
	c.textBuf.Reset()
	c.responseID = ""
	c.speaking = false
	c.mu.Unlock()

	if final != "" {
		c.emit(SegmentReady{Text: final, Seq: finalSeq})
	}
	c.emit(ResponseDone{ResponseID: id, Text: text})
}

// stale reports whether a delta belongs to a response other than the current
// one. Deltas from cancelled responses keep arriving briefly after a
// response.cancel and must be dropped.
func (c *Client) stale(responseID string) bool {
	if responseID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseID == "" || responseID != c.responseID
}

// closeEvents shuts down event delivery. The context is cancelled first so an
// emit blocked on a full channel observes it and releases emitMu before the
// close.
func (c *Client) closeEvents() {
	c.cancel()
	c.emitMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.emitMu.Unlock()
}

// emit delivers ev unless the client is shutting down. Safe to call after the
// receive loop has exited; the event is then dropped.
func (c *Client) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
