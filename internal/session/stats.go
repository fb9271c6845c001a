package session

import (
	"sync"
	"time"
)

// Stats tracks per-session latency latches and counters. The two latency
// fields latch at most once per turn; StartTurn resets them for the next
// turn. Safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	turnStart  time.Time
	firstToken time.Duration // -1 when not yet latched this turn
	firstAudio time.Duration

	sentences     int
	interruptions int
}

// StatsSnapshot is the wire representation returned for get.stats.
// Latencies are milliseconds; -1 means not measured this turn.
type StatsSnapshot struct {
	FirstTokenMs  float64 `json:"first_token_ms"`
	FirstAudioMs  float64 `json:"first_audio_ms"`
	SentencesSent int     `json:"sentences_sent"`
	Interruptions int     `json:"interruptions"`
}

// NewStats returns a Stats with no turn in progress.
func NewStats() *Stats {
	return &Stats{firstToken: -1, firstAudio: -1}
}

// StartTurn marks the beginning of a turn and resets the per-turn latches.
func (s *Stats) StartTurn() {
	s.mu.Lock()
	s.turnStart = time.Now()
	s.firstToken = -1
	s.firstAudio = -1
	s.mu.Unlock()
}

// EnsureTurn starts a turn only when none has begun yet. Covers responses the
// upstream opens on its own, without a preceding commit.
func (s *Stats) EnsureTurn() {
	s.mu.Lock()
	if s.turnStart.IsZero() {
		s.turnStart = time.Now()
	}
	s.mu.Unlock()
}

// LatchFirstToken records the first-token latency for the current turn.
// Returns the latency and true on the first call of a turn; subsequent calls
// return false.
func (s *Stats) LatchFirstToken() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnStart.IsZero() || s.firstToken >= 0 {
		return 0, false
	}
	s.firstToken = time.Since(s.turnStart)
	return s.firstToken, true
}

// LatchFirstAudio records the first-audio latency for the current turn.
// Returns the latency and true on the first call of a turn; subsequent calls
// return false.
func (s *Stats) LatchFirstAudio() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnStart.IsZero() || s.firstAudio >= 0 {
		return 0, false
	}
	s.firstAudio = time.Since(s.turnStart)
	return s.firstAudio, true
}

// AddSentence increments the sentences-sent counter.
func (s *Stats) AddSentence() {
	s.mu.Lock()
	s.sentences++
	s.mu.Unlock()
}

// AddInterruption increments the interruption counter.
func (s *Stats) AddInterruption() {
	s.mu.Lock()
	s.interruptions++
	s.mu.Unlock()
}

// Snapshot returns the current values for reporting.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		FirstTokenMs:  -1,
		FirstAudioMs:  -1,
		SentencesSent: s.sentences,
		Interruptions: s.interruptions,
	}
	if s.firstToken >= 0 {
		snap.FirstTokenMs = float64(s.firstToken.Microseconds()) / 1000
	}
	if s.firstAudio >= 0 {
		snap.FirstAudioMs = float64(s.firstAudio.Microseconds()) / 1000
	}
	return snap
}
