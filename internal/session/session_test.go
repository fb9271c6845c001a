package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/tts"
	"github.com/voxbridge/voxbridge/pkg/tts/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// upstreamScript observes and drives a fake upstream engine. onCreate runs
// when the first response.create arrives.
type upstreamScript struct {
	appends  chan int
	commits  chan struct{}
	cancels  chan struct{}
	onCreate func(t *testing.T, conn *websocket.Conn)
}

func newUpstreamScript(onCreate func(t *testing.T, conn *websocket.Conn)) *upstreamScript {
	return &upstreamScript{
		appends:  make(chan int, 16),
		commits:  make(chan struct{}, 16),
		cancels:  make(chan struct{}, 16),
		onCreate: onCreate,
	}
}

// startUpstream runs a fake engine endpoint: it consumes the session.update
// handshake, acknowledges with session.created, then pumps commands into the
// script's channels.
func startUpstream(t *testing.T, script *upstreamScript) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		var update map[string]any
		if !readRaw(ctx, conn, &update) {
			return
		}
		writeRaw(ctx, conn, map[string]any{
			"type":    "session.created",
			"session": map[string]any{"id": "sess_up"},
		})

		for {
			var raw map[string]any
			if !readRaw(ctx, conn, &raw) {
				return
			}
			switch raw["type"] {
			case "input_audio_buffer.append":
				audio, _ := raw["audio"].(string)
				data, _ := base64.StdEncoding.DecodeString(audio)
				select {
				case script.appends <- len(data):
				default:
				}
			case "input_audio_buffer.commit":
				select {
				case script.commits <- struct{}{}:
				default:
				}
			case "response.create":
				if script.onCreate != nil {
					script.onCreate(t, conn)
				}
			case "response.cancel":
				select {
				case script.cancels <- struct{}{}:
				default:
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readRaw(ctx context.Context, conn *websocket.Conn, v any) bool {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func writeRaw(ctx context.Context, conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func testConfig(upstreamURL string, mode config.VoiceMode) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			APIKey:  "test-key",
			BaseURL: upstreamURL,
			Mode:    mode,
		},
		Segmenter:   config.SegmenterConfig{MinBuffer: 5},
		ClientAudio: config.ClientAudioConfig{SampleRate: 24000, Codec: config.CodecPCM},
	}
}

// startBridge hosts a Session behind a WebSocket endpoint the way the server
// does in production.
func startBridge(t *testing.T, cfg *config.Config, provider tts.Provider) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		s, err := New(conn, cfg, provider, observe.DefaultMetrics(), log)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "session setup failed")
			return
		}
		_ = s.Run(r.Context())
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsAddr(srv), nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	conn.SetReadLimit(1 << 20)
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, typ string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(map[string]string{"type": typ})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("send %s: %v", typ, err)
	}
}

// collectUntil reads client frames until an event of wantType arrives. It
// returns that event, every event seen on the way, and the number of binary
// audio frames skipped.
func collectUntil(t *testing.T, conn *websocket.Conn, wantType string) (ServerEvent, []ServerEvent, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []ServerEvent
	var bins int
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v (saw %d events, %d audio frames)", wantType, err, len(seen), bins)
		}
		if typ == websocket.MessageBinary {
			bins++
			continue
		}
		var ev ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		seen = append(seen, ev)
		if ev.Type == wantType {
			return ev, seen, bins
		}
	}
}

func handshake(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	est, _, _ := collectUntil(t, conn, EvtConnectionEstablished)
	if est.SessionID == "" {
		t.Error("connection.established has empty session_id")
	}
	if est.Timestamp == "" {
		t.Error("connection.established has empty timestamp")
	}
	collectUntil(t, conn, EvtSessionReady)
	return est.SessionID
}

func sendPCM(t *testing.T, conn *websocket.Conn, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, n)); err != nil {
		t.Fatalf("send pcm: %v", err)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSessionRequiresProviderInExternalMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://unused", config.VoiceModeExternal)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(nil, cfg, nil, observe.DefaultMetrics(), log); err == nil {
		t.Fatal("New accepted external mode without a TTS provider")
	}
}

func TestSessionHandshake(t *testing.T) {
	t.Parallel()

	up := startUpstream(t, newUpstreamScript(nil))
	bridge := startBridge(t, testConfig(wsAddr(up), config.VoiceModeExternal), mock.New())

	conn := dialClient(t, bridge)
	id := handshake(t, conn)
	if id == "" {
		t.Error("empty session id")
	}
}

func TestSessionExternalFlow(t *testing.T) {
	t.Parallel()

	script := newUpstreamScript(func(t *testing.T, conn *websocket.Conn) {
		ctx := context.Background()
		writeRaw(ctx, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp_1"},
		})
		writeRaw(ctx, conn, map[string]any{
			"type":        "response.text.delta",
			"response_id": "resp_1",
			"delta":       "Hi there.",
		})
		writeRaw(ctx, conn, map[string]any{
			"type":     "response.done",
			"response": map[string]any{"id": "resp_1"},
		})
	})
	up := startUpstream(t, script)
	bridge := startBridge(t, testConfig(wsAddr(up), config.VoiceModeExternal), mock.New())

	conn := dialClient(t, bridge)
	handshake(t, conn)

	sendPCM(t, conn, 320)
	select {
	case n := <-script.appends:
		if n != 320 {
			t.Errorf("upstream received %d audio bytes, want 320", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never received appended audio")
	}

	sendCommand(t, conn, CmdAudioCommit)
	select {
	case <-script.commits:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never received commit")
	}

	done, seen, bins := collectUntil(t, conn, EvtSentenceAudioComplete)
	if done.Seq == nil || *done.Seq != 0 {
		t.Errorf("audio_complete seq = %v, want 0", done.Seq)
	}
	if done.Bytes == 0 || done.Chunks == 0 {
		t.Errorf("audio_complete bytes/chunks = %d/%d, want non-zero", done.Bytes, done.Chunks)
	}
	if bins == 0 {
		t.Error("no binary audio frames reached the client")
	}

	var sawText, sawFirstAudio bool
	for _, ev := range seen {
		switch ev.Type {
		case EvtTextDelta:
			if ev.Text == "Hi there." {
				sawText = true
			}
		case EvtMetricsFirstAudio:
			sawFirstAudio = true
			if ev.Provider != "mock" {
				t.Errorf("first_audio provider = %q, want mock", ev.Provider)
			}
		}
	}
	if !sawText {
		t.Error("text.delta never reached the client")
	}
	if !sawFirstAudio {
		t.Error("metrics.first_audio never reached the client")
	}

	sendCommand(t, conn, CmdGetStats)
	stats, _, _ := collectUntil(t, conn, EvtStats)
	if stats.Stats == nil {
		t.Fatal("stats event missing payload")
	}
	if stats.Stats.SentencesSent != 1 {
		t.Errorf("sentences_sent = %d, want 1", stats.Stats.SentencesSent)
	}
	if stats.Stats.FirstTokenMs < 0 || stats.Stats.FirstAudioMs < 0 {
		t.Errorf("latencies = %v/%v, want measured", stats.Stats.FirstTokenMs, stats.Stats.FirstAudioMs)
	}

	sendCommand(t, conn, CmdPing)
	collectUntil(t, conn, EvtPong)
}

func TestSessionTurnLatchIncludesUpstreamQueueing(t *testing.T) {
	t.Parallel()

	script := newUpstreamScript(func(t *testing.T, conn *websocket.Conn) {
		ctx := context.Background()
		// The engine takes a while to open the response after the commit.
		time.Sleep(200 * time.Millisecond)
		writeRaw(ctx, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp_1"},
		})
		writeRaw(ctx, conn, map[string]any{
			"type":        "response.text.delta",
			"response_id": "resp_1",
			"delta":       "Hello there.",
		})
		writeRaw(ctx, conn, map[string]any{
			"type":     "response.done",
			"response": map[string]any{"id": "resp_1"},
		})
	})
	up := startUpstream(t, script)
	bridge := startBridge(t, testConfig(wsAddr(up), config.VoiceModeExternal), mock.New())

	conn := dialClient(t, bridge)
	handshake(t, conn)
	sendCommand(t, conn, CmdAudioCommit)
	collectUntil(t, conn, EvtSentenceAudioComplete)

	sendCommand(t, conn, CmdGetStats)
	stats, _, _ := collectUntil(t, conn, EvtStats)
	if stats.Stats == nil {
		t.Fatal("stats event missing payload")
	}
	// The turn clock starts at the commit, so the engine's 200 ms queueing
	// delay must be visible in both latches.
	if stats.Stats.FirstTokenMs < 150 {
		t.Errorf("first_token_ms = %v, want >= 150", stats.Stats.FirstTokenMs)
	}
	if stats.Stats.FirstAudioMs < 150 {
		t.Errorf("first_audio_ms = %v, want >= 150", stats.Stats.FirstAudioMs)
	}
}

func TestSessionClientInterrupt(t *testing.T) {
	t.Parallel()

	script := newUpstreamScript(func(t *testing.T, conn *websocket.Conn) {
		ctx := context.Background()
		writeRaw(ctx, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp_1"},
		})
		writeRaw(ctx, conn, map[string]any{
			"type":        "response.text.delta",
			"response_id": "resp_1",
			"delta":       "Well, let me think about",
		})
	})
	up := startUpstream(t, script)
	bridge := startBridge(t, testConfig(wsAddr(up), config.VoiceModeExternal), mock.New())

	conn := dialClient(t, bridge)
	handshake(t, conn)

	sendCommand(t, conn, CmdAudioCommit)
	collectUntil(t, conn, EvtTextDelta)

	sendCommand(t, conn, CmdInterrupt)
	intr, _, _ := collectUntil(t, conn, EvtInterruption)
	if intr.Source != "client" {
		t.Errorf("interruption source = %q, want client", intr.Source)
	}

	select {
	case <-script.cancels:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never received response.cancel")
	}
}

func TestSessionNativeAudioAndVADInterrupt(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 640)
	script := newUpstreamScript(func(t *testing.T, conn *websocket.Conn) {
		ctx := context.Background()
		writeRaw(ctx, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp_1"},
		})
		writeRaw(ctx, conn, map[string]any{
			"type":        "response.audio.delta",
			"response_id": "resp_1",
			"delta":       base64.StdEncoding.EncodeToString(pcm),
		})
		writeRaw(ctx, conn, map[string]any{
			"type": "input_audio_buffer.speech_started",
		})
	})
	up := startUpstream(t, script)
	bridge := startBridge(t, testConfig(wsAddr(up), config.VoiceModeNative), nil)

	conn := dialClient(t, bridge)
	handshake(t, conn)

	sendCommand(t, conn, CmdAudioCommit)

	first, _, _ := collectUntil(t, conn, EvtMetricsFirstAudio)
	if first.Provider != "openai" {
		t.Errorf("first_audio provider = %q, want openai", first.Provider)
	}

	intr, _, bins := collectUntil(t, conn, EvtInterruption)
	if intr.Source != "vad" {
		t.Errorf("interruption source = %q, want vad", intr.Source)
	}
	_ = bins

	select {
	case <-script.cancels:
	case <-time.After(3 * time.Second):
		t.Fatal("barge-in never cancelled the upstream response")
	}
}

func TestSessionNativeSentenceReady(t *testing.T) {
	t.Parallel()

	script := newUpstreamScript(func(t *testing.T, conn *websocket.Conn) {
		ctx := context.Background()
		writeRaw(ctx, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp_1"},
		})
		writeRaw(ctx, conn, map[string]any{
			"type":        "response.text.delta",
			"response_id": "resp_1",
			"delta":       "Good morning.",
		})
		writeRaw(ctx, conn, map[string]any{
			"type":     "response.done",
			"response": map[string]any{"id": "resp_1"},
		})
	})
	up := startUpstream(t, script)
	bridge := startBridge(t, testConfig(wsAddr(up), config.VoiceModeNative), nil)

	conn := dialClient(t, bridge)
	handshake(t, conn)
	sendCommand(t, conn, CmdAudioCommit)

	ready, _, _ := collectUntil(t, conn, EvtSentenceReady)
	if ready.Text != "Good morning." {
		t.Errorf("sentence.ready text = %q, want %q", ready.Text, "Good morning.")
	}
	if ready.Seq == nil || *ready.Seq != 0 {
		t.Errorf("sentence.ready seq = %v, want 0", ready.Seq)
	}
}

func TestSessionUnknownCommand(t *testing.T) {
	t.Parallel()

	up := startUpstream(t, newUpstreamScript(nil))
	bridge := startBridge(t, testConfig(wsAddr(up), config.VoiceModeExternal), mock.New())

	conn := dialClient(t, bridge)
	handshake(t, conn)

	sendCommand(t, conn, "bogus")
	ev, _, _ := collectUntil(t, conn, EvtError)
	if !strings.Contains(ev.Message, "bogus") {
		t.Errorf("error message = %q, want it to name the command", ev.Message)
	}
}

func TestSessionMalformedCommand(t *testing.T) {
	t.Parallel()

	up := startUpstream(t, newUpstreamScript(nil))
	bridge := startBridge(t, testConfig(wsAddr(up), config.VoiceModeExternal), mock.New())

	conn := dialClient(t, bridge)
	handshake(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev, _, _ := collectUntil(t, conn, EvtError)
	if ev.Message != "malformed command" {
		t.Errorf("error message = %q, want %q", ev.Message, "malformed command")
	}
}

func TestSessionUpstreamError(t *testing.T) {
	t.Parallel()

	script := newUpstreamScript(func(t *testing.T, conn *websocket.Conn) {
		writeRaw(context.Background(), conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "rate_limit",
				"message": "slow down",
			},
		})
	})
	up := startUpstream(t, script)
	bridge := startBridge(t, testConfig(wsAddr(up), config.VoiceModeExternal), mock.New())

	conn := dialClient(t, bridge)
	handshake(t, conn)
	sendCommand(t, conn, CmdAudioCommit)

	ev, _, _ := collectUntil(t, conn, EvtUpstreamError)
	if !strings.Contains(ev.Message, "slow down") {
		t.Errorf("openai.error message = %q, want upstream detail", ev.Message)
	}
}
