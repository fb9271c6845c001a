// Package session bridges one client WebSocket to an upstream realtime
// engine. It owns the per-connection state machine, relays microphone audio
// upstream, mirrors response text back, and dispatches extracted sentence
// segments to a streaming TTS worker in external voice mode.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/realtime"
	"github.com/voxbridge/voxbridge/pkg/tts"
)

// keepaliveInterval is how often the session emits an application-level ping
// event so idle connections survive intermediary timeouts.
const keepaliveInterval = 20 * time.Second

// State is a session lifecycle phase. Transitions are logged at debug level.
type State string

const (
	StateInit          State = "INIT"
	StateConnected     State = "CONNECTED"
	StateUpstreamReady State = "UPSTREAM_READY"
	StateActive        State = "ACTIVE"
	StateInterrupted   State = "INTERRUPTED"
	StateClosed        State = "CLOSED"
)

// Session is one client connection bridged to the upstream engine. Create
// with [New] and drive with [Session.Run]; the session closes everything it
// opened when Run returns.
type Session struct {
	ID string

	conn     *websocket.Conn
	cfg      *config.Config
	provider tts.Provider // nil in native voice mode
	metrics  *observe.Metrics
	log      *slog.Logger

	rt    *realtime.Client
	queue *Queue
	stats *Stats

	state    atomic.Value // State
	language string

	// clientInterrupt marks that the next upstream Interrupted event was
	// requested by the client rather than by voice activity.
	clientInterrupt atomic.Bool

	inConv  *audio.Converter // client microphone -> upstream rate
	outConv *audio.Converter // synthesized audio -> client rate
	opus    *audio.OpusEncoder
}

// New prepares a session over an accepted client connection. provider is the
// TTS backend for external voice mode and may be nil in native mode. The
// upstream connection is not dialed until [Session.Run].
func New(conn *websocket.Conn, cfg *config.Config, provider tts.Provider, m *observe.Metrics, log *slog.Logger) (*Session, error) {
	if cfg.Upstream.Mode.External() && provider == nil {
		return nil, errors.New("session: external voice mode requires a TTS provider")
	}

	var enc *audio.OpusEncoder
	if cfg.ClientAudio.Codec == config.CodecOpus {
		var err error
		enc, err = audio.NewOpusEncoder(cfg.ClientAudio.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("session: opus encoder: %w", err)
		}
	}

	id := uuid.NewString()
	s := &Session{
		ID:       id,
		conn:     conn,
		cfg:      cfg,
		provider: provider,
		metrics:  m,
		log:      log.With("session_id", id),
		queue:    NewQueue(),
		stats:    NewStats(),
		language: cfg.Upstream.Language,
		inConv:   &audio.Converter{TargetRate: realtime.UpstreamSampleRate},
		outConv:  &audio.Converter{TargetRate: cfg.ClientAudio.SampleRate},
		opus:     enc,
	}
	if s.language == "" {
		s.language = "en"
	}
	s.state.Store(StateInit)
	return s, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return s.state.Load().(State)
}

func (s *Session) setState(st State) {
	prev := s.state.Swap(st)
	if prev != st {
		s.log.Debug("session state", "from", prev, "to", st)
	}
}

// Run drives the session until the client disconnects, the upstream fails, or
// ctx is cancelled. A clean client close returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.run")
	defer span.End()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)
	defer s.setState(StateClosed)

	s.setState(StateConnected)
	if err := s.sendEvent(ctx, ServerEvent{Type: EvtConnectionEstablished, SessionID: s.ID}); err != nil {
		return fmt.Errorf("session: handshake: %w", err)
	}

	rt, err := realtime.Dial(ctx, s.realtimeConfig())
	if err != nil {
		_ = s.sendEvent(ctx, ServerEvent{Type: EvtError, Message: "upstream unavailable"})
		return fmt.Errorf("session: dial upstream: %w", err)
	}
	s.rt = rt
	defer rt.Close()

	s.log.Info("session started",
		"mode", s.cfg.Upstream.Mode,
		"codec", s.cfg.ClientAudio.Codec,
		"client_rate", s.cfg.ClientAudio.SampleRate,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.eventLoop(ctx) })
	g.Go(func() error { return s.keepalive(ctx) })
	if s.cfg.Upstream.Mode.External() {
		w := newWorker(s.queue, s.provider, s, s.stats, s.metrics, s.log, s.cfg.ClientAudio.SampleRate, s.opus)
		g.Go(func() error { return w.Run(ctx) })
	}

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		return nil
	default:
		return err
	}
}

func (s *Session) realtimeConfig() realtime.Config {
	up := s.cfg.Upstream
	return realtime.Config{
		APIKey:             up.APIKey,
		Model:              up.Model,
		BaseURL:            up.BaseURL,
		Mode:               realtime.Mode(up.Mode),
		Voice:              up.Voice,
		Language:           s.language,
		Instructions:       up.Instructions,
		Temperature:        up.Temperature,
		MaxOutputTokens:    up.MaxOutputTokens,
		VADThreshold:       up.VAD.Threshold,
		VADPrefixPadding:   up.VAD.PrefixPadding.Std(),
		VADSilenceDuration: up.VAD.SilenceDuration.Std(),
		DetectorMinBuffer:  s.cfg.Segmenter.MinBuffer,
		DetectorMinSegment: s.cfg.Segmenter.MinSegment,
	}
}

// readLoop consumes client frames: binary frames are microphone PCM forwarded
// upstream, text frames are JSON commands.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("session: client read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			pcm := s.inConv.Convert(data, s.cfg.ClientAudio.SampleRate)
			if len(pcm) == 0 {
				continue
			}
			if err := s.rt.SendAudio(pcm); err != nil {
				return fmt.Errorf("session: forward audio: %w", err)
			}
		case websocket.MessageText:
			if err := s.handleCommand(ctx, data); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, data []byte) error {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return s.sendEvent(ctx, ServerEvent{Type: EvtError, Message: "malformed command"})
	}

	switch cmd.Type {
	case CmdAudioCommit:
		// Latency latches measure from the commit, not from response.created,
		// so upstream queueing shows up in first-token and first-audio.
		s.stats.StartTurn()
		if err := s.rt.CommitAudio(); err != nil {
			return fmt.Errorf("session: commit audio: %w", err)
		}
		return nil
	case CmdInterrupt:
		s.clientInterrupt.Store(true)
		if err := s.rt.CancelResponse(); err != nil {
			return fmt.Errorf("session: cancel response: %w", err)
		}
		return nil
	case CmdGetStats:
		snap := s.stats.Snapshot()
		return s.sendEvent(ctx, ServerEvent{Type: EvtStats, Stats: &snap})
	case CmdPing:
		return s.sendEvent(ctx, ServerEvent{Type: EvtPong})
	default:
		return s.sendEvent(ctx, ServerEvent{
			Type:    EvtError,
			Message: fmt.Sprintf("unknown command type %q", cmd.Type),
		})
	}
}

// eventLoop consumes the upstream event stream until it closes or ctx ends.
func (s *Session) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.rt.Events():
			if !ok {
				return errors.New("session: upstream stream closed")
			}
			if err := s.handleUpstream(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleUpstream(ctx context.Context, ev realtime.Event) error {
	switch e := ev.(type) {
	case realtime.SessionCreated:
		s.setState(StateUpstreamReady)
		s.log.Info("upstream session ready", "upstream_id", e.SessionID)
		return s.sendEvent(ctx, ServerEvent{Type: EvtSessionReady})

	case realtime.ResponseStarted:
		s.setState(StateActive)
		s.clientInterrupt.Store(false)
		// Server-VAD turns open a response without a commit; make sure the
		// latches have a turn to measure against.
		s.stats.EnsureTurn()
		return nil

	case realtime.TextDelta:
		if lat, first := s.stats.LatchFirstToken(); first {
			s.metrics.FirstTokenLatency.Record(ctx, lat.Seconds())
		}
		return s.sendEvent(ctx, ServerEvent{Type: EvtTextDelta, Text: e.Text})

	case realtime.SegmentReady:
		return s.handleSegment(ctx, e)

	case realtime.AudioDelta:
		return s.handleNativeAudio(ctx, e.PCM)

	case realtime.SpeechStarted:
		// Barge-in cancel, if any, is already in flight; the resulting
		// Interrupted event carries the state change.
		return nil

	case realtime.Interrupted:
		return s.handleInterruption(ctx)

	case realtime.ResponseDone:
		s.setState(StateUpstreamReady)
		s.log.Debug("turn complete", "response_id", e.ResponseID, "chars", len(e.Text))
		return nil

	case realtime.ErrorEvent:
		s.log.Warn("upstream error", "err", e.Err)
		s.metrics.RecordProviderError(ctx, "openai", "upstream")
		return s.sendEvent(ctx, ServerEvent{Type: EvtUpstreamError, Message: e.Err.Error()})

	default:
		return nil
	}
}

func (s *Session) handleSegment(ctx context.Context, e realtime.SegmentReady) error {
	s.stats.AddSentence()
	s.metrics.RecordSegment(ctx, s.language)

	if s.cfg.Upstream.Mode.External() {
		s.queue.Push(Segment{Text: e.Text, Seq: e.Seq})
		return nil
	}

	// Native mode synthesises upstream; the segment is informational.
	seq := e.Seq
	return s.sendEvent(ctx, ServerEvent{Type: EvtSentenceReady, Text: e.Text, Seq: &seq})
}

// handleNativeAudio relays engine-synthesised audio in native voice mode.
func (s *Session) handleNativeAudio(ctx context.Context, pcm []byte) error {
	if lat, first := s.stats.LatchFirstAudio(); first {
		s.metrics.FirstAudioLatency.Record(ctx, lat.Seconds())
		if err := s.sendEvent(ctx, ServerEvent{
			Type:      EvtMetricsFirstAudio,
			Provider:  "openai",
			LatencyMs: float64(lat.Microseconds()) / 1000,
		}); err != nil {
			return err
		}
	}

	out := s.outConv.Convert(pcm, realtime.UpstreamSampleRate)
	if len(out) == 0 {
		return nil
	}

	if s.opus == nil {
		return s.sendAudio(ctx, out)
	}
	frames, err := s.opus.Encode(out)
	if err != nil {
		return fmt.Errorf("session: encode audio: %w", err)
	}
	for _, f := range frames {
		if err := s.sendAudio(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// handleInterruption flushes all queued and in-flight synthesis so stale
// audio never reaches the client after a barge-in.
func (s *Session) handleInterruption(ctx context.Context) error {
	source := "vad"
	if s.clientInterrupt.Swap(false) {
		source = "client"
	}

	dropped := s.queue.Clear()
	if s.opus != nil && !s.cfg.Upstream.Mode.External() {
		// In external mode the worker owns the encoder and resets it itself.
		s.opus.Reset()
	}
	s.stats.AddInterruption()
	s.metrics.RecordInterruption(ctx, source)
	s.setState(StateInterrupted)

	s.log.Info("response interrupted", "source", source, "dropped_segments", dropped)
	return s.sendEvent(ctx, ServerEvent{Type: EvtInterruption, Source: source})
}

// keepalive emits periodic ping events so idle connections are not reaped by
// intermediaries.
func (s *Session) keepalive(ctx context.Context) error {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.sendEvent(ctx, ServerEvent{Type: EvtPing}); err != nil {
				return err
			}
		}
	}
}

// sendEvent stamps and writes one JSON event frame. Write serialisation is
// handled by the connection itself.
func (s *Session) sendEvent(ctx context.Context, ev ServerEvent) error {
	ev.stamp()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("session: marshal event: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("session: write event: %w", err)
	}
	return nil
}

// sendAudio writes one binary audio frame to the client.
func (s *Session) sendAudio(ctx context.Context, data []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("session: write audio: %w", err)
	}
	return nil
}

var _ sink = (*Session)(nil)
