package animation

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/visagekit/visage/internal/events"
	"github.com/visagekit/visage/internal/observe"
	"github.com/visagekit/visage/pkg/render"
	"github.com/visagekit/visage/pkg/speech"
	"github.com/visagekit/visage/pkg/types"
)

// speechOptions are the extraction hints passed on every lip-sync request.
// The zero value lets the backend auto-detect the language and keeps every
// phoneme; low-confidence phonemes become low-weight visemes instead of
// being filtered at the source.
var speechOptions speech.Options

// StartLipSync extracts phonemes from one audio chunk, converts them to the
// platform's viseme timeline, and forwards the timeline for playback. The
// stream stops itself after the chunk's declared duration, or after the last
// viseme ends when no duration was declared. A chunk with no recognizable
// speech produces an already-stopped stream and no platform traffic.
func (s *Scheduler) StartLipSync(ctx context.Context, avatarID string, chunk types.AudioChunk) (*LipSyncStream, error) {
	if avatarID == "" {
		return nil, &types.ValidationError{Field: "avatarID", Reason: "must not be empty"}
	}
	if s.extractor == nil {
		return nil, &types.DependencyError{Component: "animation.Scheduler", Dependency: "speech.Extractor"}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.mu.Unlock()

	visemes, err := s.extractVisemes(ctx, chunk, "batch")
	if err != nil {
		return nil, err
	}

	stream := &LipSyncStream{
		ID:        uuid.NewString(),
		AvatarID:  avatarID,
		Visemes:   visemes,
		StartedAt: s.clk.Now(),
	}
	if len(visemes) == 0 {
		stream.Status = StatusStopped
		s.mu.Lock()
		s.streams[stream.ID] = stream
		if old := s.retiredStr.push(stream.ID); old != "" {
			delete(s.streams, old)
		}
		snap := *stream
		s.mu.Unlock()
		return &snap, nil
	}

	total := timelineDuration(chunk, visemes)
	payload := render.LipSyncPayload{
		Visemes:   visemes,
		Timestamp: chunk.Timestamp,
		Duration:  total,
	}
	if err := s.platform.SynchronizeLipSync(ctx, avatarID, payload); err != nil {
		s.metrics.RecordUpstreamError(ctx, "render.SynchronizeLipSync")
		return nil, &types.UpstreamError{Op: "render.SynchronizeLipSync", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	stream.Status = StatusActive
	s.streams[stream.ID] = stream
	id := stream.ID
	s.streamTimer[id] = s.clk.AfterFunc(total, func() {
		s.stopStream(context.Background(), id, true)
	})
	snap := *stream
	s.mu.Unlock()

	s.metrics.ActiveLipSyncStreams.Add(ctx, 1)
	slog.Debug("lip sync started",
		"stream_id", id, "avatar_id", avatarID, "visemes", len(visemes), "duration", total)
	return &snap, nil
}

// StopLipSync stops a lip-sync stream. Stopping a stream that already
// stopped is a no-op; stopping an id the scheduler never issued returns a
// NotFoundError.
func (s *Scheduler) StopLipSync(ctx context.Context, streamID string) error {
	return s.stopStream(ctx, streamID, false)
}

func (s *Scheduler) stopStream(ctx context.Context, streamID string, viaTimer bool) error {
	s.mu.Lock()
	stream, ok := s.streams[streamID]
	if !ok {
		s.mu.Unlock()
		if viaTimer {
			return nil
		}
		return &types.NotFoundError{Kind: "lip-sync stream", ID: streamID}
	}
	if stream.Status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	if t := s.streamTimer[streamID]; t != nil {
		t.Stop()
		delete(s.streamTimer, streamID)
	}
	stream.Status = StatusStopped
	if old := s.retiredStr.push(streamID); old != "" {
		delete(s.streams, old)
	}
	avatarID := stream.AvatarID
	s.mu.Unlock()

	s.metrics.ActiveLipSyncStreams.Add(ctx, -1)
	slog.Debug("lip sync stopped", "stream_id", streamID, "avatar_id", avatarID, "self", viaTimer)
	return nil
}

// Stream returns a snapshot of a known lip-sync stream.
func (s *Scheduler) Stream(streamID string) (*LipSyncStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[streamID]
	if !ok {
		return nil, &types.NotFoundError{Kind: "lip-sync stream", ID: streamID}
	}
	snap := *stream
	return &snap, nil
}

// rtSync is one avatar's real-time synchronizer: a bounded chunk buffer
// drained by a dedicated tick loop.
type rtSync struct {
	avatarID string
	cap      int
	stop     chan struct{}

	mu      sync.Mutex
	buffer  []types.AudioChunk
	dropped int
}

// push appends a chunk, dropping the oldest buffered chunks once the buffer
// is full. Late audio is worthless for lip sync, so overflow sheds from the
// head rather than growing.
func (rt *rtSync) push(chunk types.AudioChunk) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buffer = append(rt.buffer, chunk)
	if over := len(rt.buffer) - rt.cap; over > 0 {
		rt.buffer = slices.Delete(rt.buffer, 0, over)
		rt.dropped += over
	}
}

func (rt *rtSync) drain() []types.AudioChunk {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	chunks := rt.buffer
	rt.buffer = nil
	return chunks
}

func (rt *rtSync) droppedCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.dropped
}

// SynchronizeRealTime starts a fixed-period synchronizer for the avatar:
// every tick drains the avatar's audio buffer, extracts phonemes per chunk,
// and forwards the resulting visemes tagged as real-time. A period of zero
// uses the scheduler default. Starting a synchronizer for an avatar that
// already has one replaces it.
func (s *Scheduler) SynchronizeRealTime(ctx context.Context, avatarID string, period time.Duration) error {
	if avatarID == "" {
		return &types.ValidationError{Field: "avatarID", Reason: "must not be empty"}
	}
	if s.extractor == nil {
		return &types.DependencyError{Component: "animation.Scheduler", Dependency: "speech.Extractor"}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	if period <= 0 {
		period = s.tickPeriod
	}
	replaced := false
	if old := s.rt[avatarID]; old != nil {
		close(old.stop)
		replaced = true
	}
	rt := &rtSync{avatarID: avatarID, cap: s.bufferCap, stop: make(chan struct{})}
	s.rt[avatarID] = rt
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runRealTime(rt, period)

	if !replaced {
		s.metrics.ActiveLipSyncStreams.Add(ctx, 1)
	}
	slog.Debug("real-time lip sync started", "avatar_id", avatarID, "period", period, "replaced", replaced)
	return nil
}

// PushAudio buffers one audio chunk for the avatar's real-time
// synchronizer. Chunks pushed without a running synchronizer are rejected.
func (s *Scheduler) PushAudio(avatarID string, chunk types.AudioChunk) error {
	s.mu.Lock()
	rt := s.rt[avatarID]
	s.mu.Unlock()
	if rt == nil {
		return &types.NotFoundError{Kind: "real-time synchronizer", ID: avatarID}
	}
	rt.push(chunk)
	return nil
}

// StopRealTimeSync stops the avatar's real-time synchronizer. Stopping an
// avatar without one is a no-op.
func (s *Scheduler) StopRealTimeSync(ctx context.Context, avatarID string) error {
	s.mu.Lock()
	rt := s.rt[avatarID]
	if rt != nil {
		close(rt.stop)
		delete(s.rt, avatarID)
	}
	s.mu.Unlock()
	if rt == nil {
		return nil
	}

	s.metrics.ActiveLipSyncStreams.Add(ctx, -1)
	slog.Debug("real-time lip sync stopped", "avatar_id", avatarID, "chunks_dropped", rt.droppedCount())
	return nil
}

// runRealTime is the per-avatar tick loop.
func (s *Scheduler) runRealTime(rt *rtSync, period time.Duration) {
	defer s.wg.Done()
	ticker := s.clk.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stop:
			return
		case <-ticker.C:
			s.pumpRealTime(rt)
		}
	}
}

// pumpRealTime processes one tick's worth of buffered audio. Extraction and
// forwarding failures are reported through the event stream and skip the
// chunk; the loop itself never dies on a bad chunk.
func (s *Scheduler) pumpRealTime(rt *rtSync) {
	ctx := context.Background()
	for _, chunk := range rt.drain() {
		visemes, err := s.extractVisemes(ctx, chunk, "realtime")
		if err != nil {
			s.emit(events.Event{Type: events.TypeError, AvatarID: rt.avatarID, Err: err})
			slog.Warn("real-time phoneme extraction failed", "avatar_id", rt.avatarID, "error", err)
			continue
		}
		if len(visemes) == 0 {
			continue
		}
		payload := render.LipSyncPayload{
			Visemes:   visemes,
			Timestamp: chunk.Timestamp,
			Duration:  timelineDuration(chunk, visemes),
			RealTime:  true,
		}
		if err := s.platform.SynchronizeLipSync(ctx, rt.avatarID, payload); err != nil {
			s.metrics.RecordUpstreamError(ctx, "render.SynchronizeLipSync")
			werr := &types.UpstreamError{Op: "render.SynchronizeLipSync", Err: err}
			s.emit(events.Event{Type: events.TypeError, AvatarID: rt.avatarID, Err: werr})
			slog.Warn("real-time lip sync forward failed", "avatar_id", rt.avatarID, "error", err)
		}
	}
}

// extractVisemes runs phoneme extraction for one chunk and converts the
// result to the platform viseme timeline.
func (s *Scheduler) extractVisemes(ctx context.Context, chunk types.AudioChunk, mode string) ([]render.Viseme, error) {
	start := s.clk.Now()
	phonemes, err := s.extractor.ExtractPhonemes(ctx, chunk, speechOptions)
	s.metrics.PhonemeExtractionDuration.Record(ctx, s.clk.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("mode", mode)))
	if err != nil {
		s.metrics.RecordUpstreamError(ctx, "speech.ExtractPhonemes")
		return nil, &types.UpstreamError{Op: "speech.ExtractPhonemes", Err: err}
	}
	return visemesFromPhonemes(phonemes), nil
}

// timelineDuration is the playback length of a viseme timeline: the chunk's
// declared duration when present, the end of the last viseme otherwise.
func timelineDuration(chunk types.AudioChunk, visemes []render.Viseme) time.Duration {
	if chunk.Duration > 0 {
		return chunk.Duration
	}
	var end time.Duration
	for _, v := range visemes {
		if vEnd := v.At + v.Duration; vEnd > end {
			end = vEnd
		}
	}
	return end
}
