package usecase

import (
	"context"

	"device-relay/internal/bridge"
	"device-relay/internal/domain"
	"device-relay/internal/eventbus"
	"device-relay/internal/screenstream"
)

// ScreenshotRepository persists captured frames (memory or pebble).
type ScreenshotRepository interface {
	StoreScreenshot(ctx context.Context, id string, data []byte) error
	GetScreenshot(ctx context.Context, id string) ([]byte, bool, error)
	DeleteScreenshot(ctx context.Context, id string) error
}

// DeviceResolver finds bridges and enumerates devices.
type DeviceResolver interface {
	Resolve(ctx context.Context, deviceID string, hint domain.Platform) (bridge.Bridge, bool)
	ListDevices(ctx context.Context) []domain.Device
}

// ToolchainProvider exposes the streaming pipeline a bridge supports, if any.
type ToolchainProvider interface {
	Toolchain(b bridge.Bridge) (screenstream.Toolchain, bool)
}

// EventPublisher is the write side of the event bus.
type EventPublisher interface {
	Emit(eventType string, data any, hints ...eventbus.Hint) domain.Event
}

// StreamDefaults configure streams created by the service.
type StreamDefaults struct {
	FPS     int `json:"fps"`
	MaxSize int `json:"maxSize"`
	BitRate int `json:"bitRate"`
}

// Event types published for recording lifecycle changes.
const (
	EventRecordingStarted = "recording.started"
	EventRecordingStopped = "recording.stopped"
	EventRecordingDeleted = "recording.deleted"
)
