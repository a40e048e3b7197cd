// Package recording captures periodic screenshots of a device into a
// timestamped frame list that can be scrubbed with freeze-frame semantics.
package recording

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"device-relay/internal/bridge"
	"device-relay/internal/domain"
	"device-relay/pkg/shared/id"
)

var (
	ErrNotFound     = errors.New("recording not found")
	ErrInvalidFPS   = errors.New("fps must be between 1 and 60")
	ErrNotRecording = errors.New("recording already stopped")
)

const MaxFPS = 60

// Resolver finds the bridge that currently owns a device.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string, hint domain.Platform) (bridge.Bridge, bool)
}

// FrameStore is the persistence sink for captured screenshots.
type FrameStore interface {
	StoreScreenshot(ctx context.Context, id string, data []byte) error
	GetScreenshot(ctx context.Context, id string) ([]byte, bool, error)
	DeleteScreenshot(ctx context.Context, id string) error
}

// Metrics receives per-tick outcomes (stored, skipped, busy) and the number
// of active recordings.
type Metrics interface {
	ObserveRecordingFrame(result string)
	SetActiveRecordings(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRecordingFrame(string) {}
func (noopMetrics) SetActiveRecordings(int)      {}

const (
	FrameStored  = "stored"
	FrameSkipped = "skipped"
	FrameBusy    = "busy"
)

type session struct {
	rec     domain.Recording
	frames  []domain.RecordingFrame
	started time.Time
	cancel  context.CancelFunc
	busy    atomic.Bool
	done    chan struct{}
}

type Engine struct {
	resolver Resolver
	store    FrameStore
	logger   *zerolog.Logger
	metrics  Metrics
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func NewEngine(resolver Resolver, store FrameStore, logger *zerolog.Logger, metrics Metrics) *Engine {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		resolver: resolver,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Interval is the capture period for fps, round(1000/fps) milliseconds.
func Interval(fps int) time.Duration {
	return time.Duration(math.Round(1000/float64(fps))) * time.Millisecond
}

// Start creates a recording and begins capturing. The capture loop is not
// bound to ctx; it runs until Stop.
func (e *Engine) Start(ctx context.Context, deviceID string, fps int, sessionID string) (domain.Recording, error) {
	if fps < 1 || fps > MaxFPS {
		return domain.Recording{}, ErrInvalidFPS
	}
	if deviceID == "" {
		return domain.Recording{}, fmt.Errorf("recording: device id required")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := e.now()
	s := &session{
		rec: domain.Recording{
			ID:        id.New(),
			DeviceID:  deviceID,
			SessionID: sessionID,
			Status:    domain.RecordingActive,
			FPS:       fps,
			StartedAt: now,
		},
		started: now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.mu.Lock()
	e.sessions[s.rec.ID] = s
	active := e.activeLocked()
	e.mu.Unlock()
	e.metrics.SetActiveRecordings(active)

	go e.loop(runCtx, s, Interval(fps))
	e.logger.Info().Str("recording", s.rec.ID).Str("device", deviceID).Int("fps", fps).Msg("recording started")
	return s.rec, nil
}

func (e *Engine) loop(ctx context.Context, s *session, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		// one capture per recording at a time; a busy tick is dropped, not queued
		if !s.busy.CompareAndSwap(false, true) {
			e.metrics.ObserveRecordingFrame(FrameBusy)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.busy.Store(false)
			e.captureOnce(ctx, s)
		}()
	}
	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (e *Engine) captureOnce(ctx context.Context, s *session) {
	deviceID := s.rec.DeviceID
	b, ok := e.resolver.Resolve(ctx, deviceID, domain.PlatformUnknown)
	if !ok {
		e.metrics.ObserveRecordingFrame(FrameSkipped)
		e.logger.Debug().Str("recording", s.rec.ID).Str("device", deviceID).Msg("no bridge for device, frame skipped")
		return
	}
	data, err := b.CaptureScreen(ctx, deviceID)
	if err != nil || ctx.Err() != nil {
		e.metrics.ObserveRecordingFrame(FrameSkipped)
		if err != nil {
			e.logger.Debug().Err(err).Str("recording", s.rec.ID).Msg("capture failed, frame skipped")
		}
		return
	}
	shotID := id.New()
	if err := e.store.StoreScreenshot(ctx, shotID, data); err != nil {
		e.metrics.ObserveRecordingFrame(FrameSkipped)
		e.logger.Warn().Err(err).Str("recording", s.rec.ID).Msg("store screenshot")
		return
	}

	e.mu.Lock()
	if s.rec.Status != domain.RecordingActive {
		e.mu.Unlock()
		// stopped while capturing; the frame must not show up
		_ = e.store.DeleteScreenshot(context.WithoutCancel(ctx), shotID)
		return
	}
	ts := e.now().Sub(s.started).Milliseconds()
	if n := len(s.frames); n > 0 && ts < s.frames[n-1].TimestampMs {
		ts = s.frames[n-1].TimestampMs
	}
	s.frames = append(s.frames, domain.RecordingFrame{
		ID:            id.New(),
		RecordingID:   s.rec.ID,
		TimestampMs:   ts,
		ScreenshotRef: shotID,
	})
	s.rec.FrameCount = len(s.frames)
	s.rec.DurationMs = ts
	e.mu.Unlock()
	e.metrics.ObserveRecordingFrame(FrameStored)
}

// Stop cancels the capture loop and freezes the recording. A capture still
// in flight is discarded.
func (e *Engine) Stop(recordingID string) (domain.Recording, error) {
	e.mu.Lock()
	s, ok := e.sessions[recordingID]
	if !ok {
		e.mu.Unlock()
		return domain.Recording{}, ErrNotFound
	}
	if s.rec.Status != domain.RecordingActive {
		rec := s.rec
		e.mu.Unlock()
		return rec, ErrNotRecording
	}
	e.stopLocked(s)
	rec := s.rec
	active := e.activeLocked()
	e.mu.Unlock()

	e.metrics.SetActiveRecordings(active)
	e.logger.Info().Str("recording", rec.ID).Int("frames", rec.FrameCount).Int64("durationMs", rec.DurationMs).Msg("recording stopped")
	return rec, nil
}

func (e *Engine) stopLocked(s *session) {
	s.cancel()
	now := e.now()
	s.rec.Status = domain.RecordingStopped
	s.rec.StoppedAt = &now
	s.rec.FrameCount = len(s.frames)
	s.rec.DurationMs = 0
	if n := len(s.frames); n > 0 {
		s.rec.DurationMs = s.frames[n-1].TimestampMs
	}
}

func (e *Engine) activeLocked() int {
	n := 0
	for _, s := range e.sessions {
		if s.rec.Status == domain.RecordingActive {
			n++
		}
	}
	return n
}

func (e *Engine) Get(recordingID string) (domain.Recording, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[recordingID]
	if !ok {
		return domain.Recording{}, false
	}
	return s.rec, true
}

// List returns recordings newest first, optionally narrowed to one session.
func (e *Engine) List(sessionID string) []domain.Recording {
	e.mu.Lock()
	out := make([]domain.Recording, 0, len(e.sessions))
	for _, s := range e.sessions {
		if sessionID != "" && s.rec.SessionID != sessionID {
			continue
		}
		out = append(out, s.rec)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (e *Engine) Frames(recordingID string) ([]domain.RecordingFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[recordingID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]domain.RecordingFrame{}, s.frames...), nil
}

// FrameAt returns the last frame at or before t milliseconds, the first
// frame when t precedes all of them, and false when there are no frames.
func (e *Engine) FrameAt(recordingID string, t int64) (domain.RecordingFrame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[recordingID]
	if !ok || len(s.frames) == 0 {
		return domain.RecordingFrame{}, false
	}
	i := sort.Search(len(s.frames), func(i int) bool { return s.frames[i].TimestampMs > t })
	if i == 0 {
		return s.frames[0], true
	}
	return s.frames[i-1], true
}

// Screenshot loads the image bytes behind a frame.
func (e *Engine) Screenshot(ctx context.Context, f domain.RecordingFrame) ([]byte, bool, error) {
	return e.store.GetScreenshot(ctx, f.ScreenshotRef)
}

// Delete stops the recording if needed and removes it with its screenshots.
func (e *Engine) Delete(ctx context.Context, recordingID string) error {
	e.mu.Lock()
	s, ok := e.sessions[recordingID]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if s.rec.Status == domain.RecordingActive {
		e.stopLocked(s)
	}
	delete(e.sessions, recordingID)
	frames := s.frames
	active := e.activeLocked()
	e.mu.Unlock()
	e.metrics.SetActiveRecordings(active)

	<-s.done
	var errs []error
	for _, f := range frames {
		if err := e.store.DeleteScreenshot(ctx, f.ScreenshotRef); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every active recording and waits for their loops to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	var pending []*session
	for _, s := range e.sessions {
		if s.rec.Status == domain.RecordingActive {
			e.stopLocked(s)
		}
		pending = append(pending, s)
	}
	e.mu.Unlock()
	e.metrics.SetActiveRecordings(0)
	for _, s := range pending {
		<-s.done
	}
}
