package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"device-relay/internal/domain"
	"device-relay/internal/eventbus"
	"device-relay/internal/recording"
	"device-relay/internal/screenstream"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	// ErrScreenshotEvicted means the frame exists but its image is gone from
	// the screenshot store (capacity or TTL eviction).
	ErrScreenshotEvicted = errors.New("screenshot evicted from store")
)

// DeviceService orchestrates bridges, streams, recordings and the event bus
// for the transport layer.
type DeviceService struct {
	resolver   DeviceResolver
	toolchains ToolchainProvider
	recordings *recording.Engine
	events     EventPublisher
	logger     *zerolog.Logger
	metrics    screenstream.Metrics

	mu       sync.RWMutex
	defaults StreamDefaults
}

type DeviceServiceDeps struct {
	Resolver   DeviceResolver
	Toolchains ToolchainProvider
	Recordings *recording.Engine
	Events     EventPublisher
	Defaults   StreamDefaults
	Logger     *zerolog.Logger
	Metrics    screenstream.Metrics
}

func NewDeviceService(d DeviceServiceDeps) *DeviceService {
	logger := d.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DeviceService{
		resolver:   d.Resolver,
		toolchains: d.Toolchains,
		recordings: d.Recordings,
		events:     d.Events,
		defaults:   d.Defaults,
		logger:     logger,
		metrics:    d.Metrics,
	}
}

func (s *DeviceService) ListDevices(ctx context.Context) []domain.Device {
	devices := s.resolver.ListDevices(ctx)
	if devices == nil {
		devices = []domain.Device{}
	}
	return devices
}

// Capture takes a single screenshot. The bytes are whatever the bridge
// produces (PNG for adb, JPEG for simctl).
func (s *DeviceService) Capture(ctx context.Context, deviceID string, hint domain.Platform) ([]byte, error) {
	b, ok := s.resolver.Resolve(ctx, deviceID, hint)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return b.CaptureScreen(ctx, deviceID)
}

// NewStream builds an unstarted ScreenStream for the device. The pipeline
// backend is used only when the owning bridge offers a toolchain.
func (s *DeviceService) NewStream(ctx context.Context, deviceID string, hint domain.Platform, h screenstream.Handlers) (*screenstream.ScreenStream, error) {
	b, ok := s.resolver.Resolve(ctx, deviceID, hint)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	def := s.StreamDefaults()
	opts := screenstream.Options{
		DeviceID: deviceID,
		FPS:      def.FPS,
		MaxSize:  def.MaxSize,
		BitRate:  def.BitRate,
		Capture: func(ctx context.Context) ([]byte, error) {
			return b.CaptureScreen(ctx, deviceID)
		},
		Logger:  s.logger,
		Metrics: s.metrics,
	}
	if s.toolchains != nil {
		if tc, ok := s.toolchains.Toolchain(b); ok {
			opts.Toolchain = tc
		}
	}
	return screenstream.New(opts, h), nil
}

// StreamDefaults returns the settings applied to newly created streams.
func (s *DeviceService) StreamDefaults() StreamDefaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// SetStreamDefaults replaces the settings for streams created from now on.
// Running streams keep what they started with.
func (s *DeviceService) SetStreamDefaults(d StreamDefaults) {
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
	s.logger.Info().Int("fps", d.FPS).Int("maxSize", d.MaxSize).Int("bitRate", d.BitRate).Msg("stream defaults updated")
}

func recordingHints(r domain.Recording) []eventbus.Hint {
	hints := []eventbus.Hint{
		eventbus.Route("deviceId", r.DeviceID),
		eventbus.Route("recordingId", r.ID),
	}
	if r.SessionID != "" {
		hints = append(hints, eventbus.Route("sessionId", r.SessionID))
	}
	return hints
}

// StartRecording checks the device is reachable before starting; individual
// capture ticks tolerate it disappearing later.
func (s *DeviceService) StartRecording(ctx context.Context, deviceID string, fps int, sessionID string) (domain.Recording, error) {
	if _, ok := s.resolver.Resolve(ctx, deviceID, domain.PlatformUnknown); !ok {
		return domain.Recording{}, ErrDeviceNotFound
	}
	rec, err := s.recordings.Start(ctx, deviceID, fps, sessionID)
	if err != nil {
		return domain.Recording{}, err
	}
	s.publish(EventRecordingStarted, rec)
	return rec, nil
}

func (s *DeviceService) StopRecording(ctx context.Context, id string) (domain.Recording, error) {
	rec, err := s.recordings.Stop(id)
	if err != nil {
		return rec, err
	}
	s.publish(EventRecordingStopped, rec)
	return rec, nil
}

func (s *DeviceService) GetRecording(ctx context.Context, id string) (domain.Recording, bool) {
	return s.recordings.Get(id)
}

func (s *DeviceService) ListRecordings(ctx context.Context, sessionID string) []domain.Recording {
	return s.recordings.List(sessionID)
}

func (s *DeviceService) ListRecordingFrames(ctx context.Context, id string) ([]domain.RecordingFrame, error) {
	return s.recordings.Frames(id)
}

// RecordingFrameImage returns the image shown at t milliseconds into the
// recording. ok is false when the recording has no frames; a frame whose
// image was evicted yields ErrScreenshotEvicted.
func (s *DeviceService) RecordingFrameImage(ctx context.Context, id string, t int64) (data []byte, frame domain.RecordingFrame, ok bool, err error) {
	if _, found := s.recordings.Get(id); !found {
		return nil, domain.RecordingFrame{}, false, recording.ErrNotFound
	}
	frame, ok = s.recordings.FrameAt(id, t)
	if !ok {
		return nil, frame, false, nil
	}
	data, found, err := s.recordings.Screenshot(ctx, frame)
	if err != nil {
		return nil, frame, false, err
	}
	if !found {
		return nil, frame, false, fmt.Errorf("frame %s: %w", frame.ID, ErrScreenshotEvicted)
	}
	return data, frame, true, nil
}

func (s *DeviceService) DeleteRecording(ctx context.Context, id string) error {
	rec, found := s.recordings.Get(id)
	if err := s.recordings.Delete(ctx, id); err != nil {
		return err
	}
	if found {
		s.publish(EventRecordingDeleted, rec)
	}
	return nil
}

// PublishEvent emits a collaborator event with routing hints.
func (s *DeviceService) PublishEvent(eventType string, data any, route map[string]string) domain.Event {
	hints := make([]eventbus.Hint, 0, len(route))
	for k, v := range route {
		hints = append(hints, eventbus.Route(k, v))
	}
	return s.events.Emit(eventType, data, hints...)
}

func (s *DeviceService) publish(eventType string, rec domain.Recording) {
	if s.events == nil {
		return
	}
	s.events.Emit(eventType, rec, recordingHints(rec)...)
}
