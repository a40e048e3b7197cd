package domain

import "time"

type RecordingStatus string

const (
	RecordingActive  RecordingStatus = "recording"
	RecordingStopped RecordingStatus = "stopped"
)

// Recording is a periodic screen capture session. FrameCount and DurationMs
// change only while Status is RecordingActive.
type Recording struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId"`
	SessionID  string          `json:"sessionId,omitempty"`
	Status     RecordingStatus `json:"status"`
	FPS        int             `json:"fps"`
	StartedAt  time.Time       `json:"startedAt"`
	StoppedAt  *time.Time      `json:"stoppedAt,omitempty"`
	FrameCount int             `json:"frameCount"`
	DurationMs int64           `json:"durationMs"`
}

// RecordingFrame points at a stored screenshot. TimestampMs is the offset
// from the recording start.
type RecordingFrame struct {
	ID            string `json:"id"`
	RecordingID   string `json:"recordingId"`
	TimestampMs   int64  `json:"timestampMs"`
	ScreenshotRef string `json:"screenshotRef"`
}
