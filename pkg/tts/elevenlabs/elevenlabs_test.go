package elevenlabs_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/tts"
	"github.com/voxbridge/voxbridge/pkg/tts/elevenlabs"
)

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := elevenlabs.New("", "voice"); !errors.Is(err, tts.ErrMissingAPIKey) {
		t.Errorf("New without key = %v; want ErrMissingAPIKey", err)
	}
	if _, err := elevenlabs.New("key", ""); err == nil {
		t.Error("New without voice = nil error; want error")
	}
}

func TestStream_ForwardsChunksInOrder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "test-key" {
			t.Errorf("xi-api-key = %q; want test-key", got)
		}
		var req struct {
			Text    string `json:"text"`
			ModelID string `json:"model_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "Hello there." {
			t.Errorf("text = %q; want %q", req.Text, "Hello there.")
		}

		f, _ := w.(http.Flusher)
		w.Write([]byte("AAAA"))
		if f != nil {
			f.Flush()
		}
		w.Write([]byte("BBBB"))
	}))
	t.Cleanup(srv.Close)

	p, err := elevenlabs.New("test-key", "voice-1", elevenlabs.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Stream(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var got bytes.Buffer
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("terminal error chunk: %v", c.Err)
		}
		got.Write(c.Data)
	}
	if got.String() != "AAAABBBB" {
		t.Errorf("streamed body = %q; want AAAABBBB", got.String())
	}
}

func TestStream_NonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	p, err := elevenlabs.New("key", "voice", elevenlabs.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Stream(context.Background(), "text")
	var statusErr *tts.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Stream error = %v; want *tts.StatusError", err)
	}
	if statusErr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d; want %d", statusErr.Status, http.StatusTooManyRequests)
	}
}

func TestStream_TimeoutSurfacesAsTerminalChunk(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release // hold the body open past the client timeout
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	p, err := elevenlabs.New("key", "voice",
		elevenlabs.WithBaseURL(srv.URL),
		elevenlabs.WithTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Stream(context.Background(), "text")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var terminal error
	for c := range ch {
		terminal = c.Err
	}
	if terminal == nil {
		t.Error("expected terminal error chunk after timeout; got clean close")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			t.Errorf("path = %q; want /v1/voices", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"voices": []map[string]string{
				{"voice_id": "v1", "name": "Rachel", "category": "premade"},
				{"voice_id": "v2", "name": "Adam", "category": "premade"},
			},
		})
	}))
	t.Cleanup(srv.Close)

	p, err := elevenlabs.New("key", "voice", elevenlabs.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "v1" || voices[1].Name != "Adam" {
		t.Errorf("voices = %+v; want v1/Rachel, v2/Adam", voices)
	}
}
