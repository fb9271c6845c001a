// Package segment provides incremental sentence-boundary detection for
// streamed text. A [Detector] accumulates text deltas as they arrive from a
// realtime model and emits "speakable" segments — complete sentences or, when
// the stream runs long without punctuation, bounded fragments — so that
// synthesis can start well before the full response is generated.
//
// Detection is language-parameterised via a [Profile] carrying three compiled
// patterns: a strong boundary (sentence-final punctuation followed by
// whitespace and an upper-case letter), a medium boundary (clause punctuation,
// used only once the buffer grows past [mediumThreshold]) and an abbreviation
// guard that suppresses splits after forms like "Mr." or "ул.".
//
// A Detector is deterministic and performs no I/O. It is not safe for
// concurrent use; create one per session and call it from a single goroutine.
package segment

import (
	"strings"
	"unicode/utf8"
)

const (
	// defaultMinBuffer is the minimum buffered rune count before any boundary
	// search happens. Tiny deltas arrive every few tokens; searching each one
	// would thrash on partial words.
	defaultMinBuffer = 35

	// defaultMinSegment is the minimum rune length of an emitted segment. A
	// boundary that would produce a shorter segment is skipped and the text
	// keeps accumulating, so no characters are ever lost.
	defaultMinSegment = 10

	// mediumThreshold is the buffered rune count above which a clause boundary
	// (comma, semicolon, colon) is accepted when no sentence boundary exists.
	mediumThreshold = 120

	// forceThreshold is the buffered rune count above which the entire buffer
	// is emitted as one segment, bounding worst-case synthesis latency.
	forceThreshold = 200
)

// Option configures a [Detector] during construction.
type Option func(*Detector)

// WithMinBuffer overrides the minimum buffered rune count before boundary
// detection runs. Default is 35. Values below 1 are clamped to 1.
func WithMinBuffer(n int) Option {
	return func(d *Detector) {
		if n < 1 {
			n = 1
		}
		d.minBuffer = n
	}
}

// WithMinSegment overrides the minimum emitted-segment rune length.
// Default is 10. Values below 1 are clamped to 1.
func WithMinSegment(n int) Option {
	return func(d *Detector) {
		if n < 1 {
			n = 1
		}
		d.minSegment = n
	}
}

// Detector incrementally splits streamed text into speakable segments.
// The zero value is not usable; construct with [New].
type Detector struct {
	profile    *Profile
	minBuffer  int
	minSegment int
	buf        strings.Builder
}

// New returns a Detector for the given BCP-47-ish language tag ("en", "ru").
// Unknown tags fall back to the English profile.
func New(lang string, opts ...Option) *Detector {
	d := &Detector{
		profile:    ProfileFor(lang),
		minBuffer:  defaultMinBuffer,
		minSegment: defaultMinSegment,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Add appends chunk to the internal buffer and returns all complete segments
// that can be extracted, in order. Any trailing partial sentence stays
// buffered for the next call.
func (d *Detector) Add(chunk string) []string {
	if chunk != "" {
		d.buf.WriteString(chunk)
	}
	if utf8.RuneCountInString(d.buf.String()) < d.minBuffer {
		return nil
	}

	var segments []string

	// Pass 1: strong boundaries, repeatedly from the front of the buffer.
	for {
		seg, ok := d.extractStrong()
		if !ok {
			break
		}
		segments = append(segments, seg)
	}

	// Pass 2: one clause-level split once the buffer runs long.
	if len(segments) == 0 && utf8.RuneCountInString(d.buf.String()) > mediumThreshold {
		if seg, ok := d.extractMedium(); ok {
			segments = append(segments, seg)
		}
	}

	// Pass 3: forced extraction bounds worst-case latency when the stream
	// produces no usable punctuation at all.
	if utf8.RuneCountInString(d.buf.String()) > forceThreshold {
		segments = append(segments, d.drain())
	}

	return segments
}

// Flush returns any non-empty remaining buffer as a final segment and clears
// the buffer. Call once at turn completion. Returns "" when nothing remains.
func (d *Detector) Flush() string {
	s := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	return s
}

// Reset discards all buffered text without emitting it. Used on interruption.
func (d *Detector) Reset() {
	d.buf.Reset()
}

// Buffered returns the current buffered text. Primarily for tests and
// diagnostics.
func (d *Detector) Buffered() string {
	return d.buf.String()
}

// extractStrong finds the first confirmed strong boundary and splits there.
// A candidate is rejected when the text before the punctuation matches the
// abbreviation guard, or when the resulting segment would be shorter than the
// segment minimum; in both cases later candidates in the same buffer are tried.
func (d *Detector) extractStrong() (string, bool) {
	s := d.buf.String()
	for _, m := range d.profile.strong.FindAllStringSubmatchIndex(s, -1) {
		// m[2]:m[3] is the punctuation group, m[4]:m[5] the upper-case letter
		// starting the next sentence.
		puncEnd := m[3]
		if d.profile.guard.MatchString(s[:puncEnd]) {
			continue
		}
		seg := strings.TrimSpace(s[:puncEnd])
		if utf8.RuneCountInString(seg) < d.minSegment {
			continue
		}
		d.buf.Reset()
		d.buf.WriteString(s[m[4]:])
		return seg, true
	}
	return "", false
}

// extractMedium splits once at the first clause boundary (comma, semicolon,
// colon followed by whitespace).
func (d *Detector) extractMedium() (string, bool) {
	s := d.buf.String()
	for _, m := range d.profile.medium.FindAllStringSubmatchIndex(s, -1) {
		seg := strings.TrimSpace(s[:m[3]])
		if utf8.RuneCountInString(seg) < d.minSegment {
			continue
		}
		d.buf.Reset()
		d.buf.WriteString(strings.TrimLeft(s[m[3]:], " \t\n\r"))
		return seg, true
	}
	return "", false
}

// drain empties the buffer and returns its trimmed contents.
func (d *Detector) drain() string {
	s := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	return s
}
