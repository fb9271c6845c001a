package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/tts"
)

// sink is where the worker delivers audio frames and events. Implemented by
// Session; tests substitute a recording sink.
type sink interface {
	sendEvent(ctx context.Context, ev ServerEvent) error
	sendAudio(ctx context.Context, data []byte) error
}

// Worker drains the segment queue for one session, streaming each segment's
// synthesized audio to the sink as chunks arrive. A failed segment emits a
// tts.error event and the loop continues; only context cancellation stops the
// worker.
type Worker struct {
	queue    *Queue
	provider tts.Provider
	out      sink
	stats    *Stats
	metrics  *observe.Metrics
	log      *slog.Logger

	conv *audio.Converter
	opus *audio.OpusEncoder // nil when the client codec is pcm
}

// newWorker wires a worker for one session. enc may be nil for raw PCM
// output.
func newWorker(q *Queue, p tts.Provider, out sink, st *Stats, m *observe.Metrics, log *slog.Logger, clientRate int, enc *audio.OpusEncoder) *Worker {
	return &Worker{
		queue:    q,
		provider: p,
		out:      out,
		stats:    st,
		metrics:  m,
		log:      log,
		conv:     &audio.Converter{TargetRate: clientRate},
		opus:     enc,
	}
}

// Run drains the queue until ctx is cancelled. Always returns ctx's error.
func (w *Worker) Run(ctx context.Context) error {
	for {
		seg, epoch, err := w.queue.Pop(ctx)
		if err != nil {
			return err
		}
		w.synthesize(ctx, seg, epoch)
	}
}

// synthesize streams one segment. The per-segment context is registered with
// the queue so an interruption aborts the stream mid-flight; a segment whose
// queue epoch went stale between the pop and the registration is dropped
// unsynthesized. Any early exit resets the codec so a partial frame of an
// abandoned segment is not prepended to the next one.
func (w *Worker) synthesize(ctx context.Context, seg Segment, epoch uint64) {
	segCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !w.queue.trackInFlight(epoch, cancel) {
		return
	}
	defer w.queue.untrackInFlight()

	completed := false
	defer func() {
		if !completed && w.opus != nil {
			w.opus.Reset()
		}
	}()

	start := time.Now()

	chunks, err := w.provider.Stream(segCtx, seg.Text)
	if err != nil {
		w.reportError(ctx, seg, err)
		return
	}

	var sentBytes, sentChunks int
	for chunk := range chunks {
		if chunk.Err != nil {
			if segCtx.Err() != nil && ctx.Err() == nil {
				// Aborted by an interruption; not a provider failure.
				return
			}
			w.reportError(ctx, seg, chunk.Err)
			return
		}

		pcm := w.conv.Convert(chunk.Data, w.provider.SampleRate())
		if len(pcm) == 0 {
			continue
		}

		if lat, first := w.stats.LatchFirstAudio(); first {
			w.metrics.FirstAudioLatency.Record(ctx, lat.Seconds())
			_ = w.out.sendEvent(ctx, ServerEvent{
				Type:      EvtMetricsFirstAudio,
				Provider:  w.provider.Name(),
				LatencyMs: float64(lat.Microseconds()) / 1000,
			})
		}

		frames, err := w.encode(pcm)
		if err != nil {
			w.reportError(ctx, seg, err)
			return
		}
		for _, f := range frames {
			if err := w.out.sendAudio(ctx, f); err != nil {
				return
			}
			sentBytes += len(f)
			sentChunks++
		}
	}

	if segCtx.Err() != nil && ctx.Err() == nil {
		// Interrupted after the last chunk was read; suppress completion.
		return
	}

	if w.opus != nil {
		tail, err := w.opus.Flush()
		if err != nil {
			w.reportError(ctx, seg, err)
			return
		}
		if len(tail) > 0 {
			if err := w.out.sendAudio(ctx, tail); err != nil {
				return
			}
			sentBytes += len(tail)
			sentChunks++
		}
	}

	completed = true
	w.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())

	seq := seg.Seq
	_ = w.out.sendEvent(ctx, ServerEvent{
		Type:   EvtSentenceAudioComplete,
		Seq:    &seq,
		Bytes:  sentBytes,
		Chunks: sentChunks,
	})
}

// encode converts one PCM chunk into client wire frames.
func (w *Worker) encode(pcm []byte) ([][]byte, error) {
	if w.opus == nil {
		return [][]byte{pcm}, nil
	}
	return w.opus.Encode(pcm)
}

func (w *Worker) reportError(ctx context.Context, seg Segment, err error) {
	if ctx.Err() != nil {
		return
	}
	w.log.Warn("segment synthesis failed", "provider", w.provider.Name(), "seq", seg.Seq, "err", err)
	w.metrics.RecordProviderError(ctx, w.provider.Name(), "tts")

	seq := seg.Seq
	_ = w.out.sendEvent(ctx, ServerEvent{
		Type:     EvtTTSError,
		Provider: w.provider.Name(),
		Seq:      &seq,
		Message:  err.Error(),
	})
}
