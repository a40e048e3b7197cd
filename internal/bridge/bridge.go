package bridge

import (
	"context"

	"device-relay/internal/domain"
)

// Bridge is a driver for one platform's devices.
type Bridge interface {
	Platform() domain.Platform
	IsAvailable(ctx context.Context) bool
	ListDevices(ctx context.Context) ([]domain.Device, error)
	CaptureScreen(ctx context.Context, deviceID string) ([]byte, error)
}

// Metrics receives resolver lookup outcomes: hit, miss or absent.
type Metrics interface {
	ObserveBridgeLookup(result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveBridgeLookup(string) {}

const (
	LookupHit    = "hit"
	LookupMiss   = "miss"
	LookupAbsent = "absent"
)
