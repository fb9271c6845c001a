package server

import (
	"context"
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

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startUpstream runs a minimal fake engine: it consumes the session.update
// handshake, acknowledges, then discards whatever else arrives.
func startUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		ack, _ := json.Marshal(map[string]any{
			"type":    "session.created",
			"session": map[string]any{"id": "sess_up"},
		})
		if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Upstream: config.UpstreamConfig{
			APIKey:  "test-key",
			BaseURL: upstreamURL,
			Mode:    config.VoiceModeExternal,
		},
		ClientAudio: config.ClientAudioConfig{SampleRate: 24000, Codec: config.CodecPCM},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, provider tts.Provider) (*Server, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, provider, observe.DefaultMetrics(), log)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, testConfig("ws://unused"), mock.New())

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestReadyzFailsWithoutProviderInExternalMode(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, testConfig("ws://unused"), nil)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", resp.StatusCode)
	}

	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.Checks["tts"], "fail") {
		t.Errorf("tts check = %q, want failure", body.Checks["tts"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, testConfig("ws://unused"), mock.New())

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
	}
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	t.Parallel()

	up := startUpstream(t)
	s, srv := newTestServer(t, testConfig(wsAddr(up)), mock.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsAddr(srv)+"/ws", nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Handshake events prove a session is live end to end.
	for _, want := range []string{"connection.established", "session.ready"} {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != want {
			t.Fatalf("event = %q, want %q", ev.Type, want)
		}
	}

	if n := s.SessionCount(); n != 1 {
		t.Errorf("SessionCount = %d, want 1", n)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(3 * time.Second)
	for s.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never untracked after client close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownDrainsSessions(t *testing.T) {
	t.Parallel()

	up := startUpstream(t)
	s, srv := newTestServer(t, testConfig(wsAddr(up)), mock.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsAddr(srv)+"/ws", nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("handshake read: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if n := s.SessionCount(); n != 0 {
		t.Errorf("SessionCount after shutdown = %d, want 0", n)
	}

	// Readiness reports draining after shutdown begins.
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", rec.Code)
	}
}
