package domain

import "time"

// Frame is one complete JPEG image taken from a device screen.
// Seq is the arrival order within a single stream and carries no other identity.
type Frame struct {
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
	Data []byte    `json:"-"`
}

// Size returns the payload length in bytes.
func (f Frame) Size() int { return len(f.Data) }
