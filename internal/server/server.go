// Package server hosts the voxbridge HTTP surface: the /ws voice endpoint,
// health probes, and the Prometheus metrics scrape point. It owns graceful
// shutdown, draining readiness first and then waiting for live voice sessions
// to finish.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/pkg/tts"
)

// drainTimeout caps how long Shutdown waits for live sessions after the
// listener closes.
const drainTimeout = 10 * time.Second

// Server accepts client WebSocket connections and runs one [session.Session]
// per connection. Create with [New], start with [Server.Run].
type Server struct {
	cfg      *config.Config
	provider tts.Provider
	metrics  *observe.Metrics
	log      *slog.Logger
	health   *health.Handler

	httpSrv *http.Server

	mu       sync.Mutex
	sessions map[*session.Session]context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Server. provider is the TTS backend for external voice mode
// and may be nil in native mode. Extra health checkers are evaluated on
// /readyz in addition to the built-in upstream configuration check.
func New(cfg *config.Config, provider tts.Provider, m *observe.Metrics, log *slog.Logger, checkers ...health.Checker) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		metrics:  m,
		log:      log,
		sessions: make(map[*session.Session]context.CancelFunc),
	}

	all := append([]health.Checker{
		{Name: "upstream", Check: s.checkUpstream},
	}, checkers...)
	if cfg.Upstream.Mode.External() {
		all = append(all, health.Checker{Name: "tts", Check: s.checkTTS})
	}
	s.health = health.New(all...)

	s.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full route tree, wrapped in HTTP metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)
	return observe.Middleware(s.metrics)(mux)
}

func (s *Server) checkUpstream(context.Context) error {
	if s.cfg.Upstream.APIKey == "" {
		return errors.New("no upstream API key configured")
	}
	return nil
}

func (s *Server) checkTTS(context.Context) error {
	if s.provider == nil {
		return errors.New("no TTS provider configured")
	}
	return nil
}

// handleWS upgrades the connection and runs a voice session on it until the
// client disconnects or the server drains.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	sess, err := session.New(conn, s.cfg, s.provider, s.metrics, s.log)
	if err != nil {
		s.log.Error("session setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	if !s.track(sess, cancel) {
		cancel()
		conn.Close(websocket.StatusGoingAway, "server is shutting down")
		return
	}
	defer s.untrack(sess)
	defer cancel()

	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("session ended with error", "session_id", sess.ID, "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// track registers a running session for drain accounting. Returns false when
// the server is already shutting down and no new sessions are admitted.
func (s *Server) track(sess *session.Session, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return false
	}
	s.sessions[sess] = cancel
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	if s.sessions != nil {
		delete(s.sessions, sess)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// SessionCount returns the number of live voice sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// gracefully. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			err = s.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.log.Info("server listening",
		"addr", s.cfg.Server.ListenAddr,
		"tls", s.cfg.Server.TLS != nil,
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown drains the server: readiness flips to 503, the listener closes,
// live sessions are cancelled, and their teardown is awaited until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		s.health.SetDraining()

		s.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(s.sessions))
		for _, cancel := range s.sessions {
			cancels = append(cancels, cancel)
		}
		live := len(cancels)
		s.sessions = nil
		s.mu.Unlock()

		s.log.Info("draining", "sessions", live)
		for _, cancel := range cancels {
			cancel()
		}

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.log.Info("all sessions drained")
		case <-ctx.Done():
			s.log.Warn("drain deadline exceeded")
			shutdownErr = ctx.Err()
		}
	})
	return shutdownErr
}
