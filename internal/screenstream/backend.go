package screenstream

import (
	"context"
	"errors"
	"os/exec"
)

// Backend is one strategy for producing a live frame stream.
//
// Start must not call the sink synchronously; events are delivered from the
// backend's own goroutines. Stop is idempotent and never blocks on the sink.
type Backend interface {
	Name() string
	Start(ctx context.Context, sink Sink) error
	Stop()
}

// Sink receives backend events. Frame data is a complete JPEG owned by the sink.
type Sink interface {
	Frame(data []byte)
	Error(err error)
	Closed()
}

// CaptureFunc takes a single screenshot. The image may be JPEG or PNG.
type CaptureFunc func(ctx context.Context) ([]byte, error)

// Toolchain builds the two external processes of the pipeline backend.
type Toolchain interface {
	// Usable reports whether the encoder and transcoder binaries are present.
	Usable(ctx context.Context) (encoder, transcoder bool)
	EncoderCommand(ctx context.Context, cfg PipelineConfig) *exec.Cmd
	TranscoderCommand(ctx context.Context, cfg PipelineConfig) *exec.Cmd
}

// Metrics is the observation surface used by streams and backends.
type Metrics interface {
	ObserveFrame(backend string)
	ObserveStreamError(backend string)
	ObserveFallback()
}

type noopMetrics struct{}

func (noopMetrics) ObserveFrame(string)       {}
func (noopMetrics) ObserveStreamError(string) {}
func (noopMetrics) ObserveFallback()          {}

const (
	BackendPipeline = "pipeline"
	BackendPolling  = "polling"
)

var (
	ErrStopped        = errors.New("screen stream stopped")
	ErrAlreadyStarted = errors.New("screen stream already started")
	ErrNoCapture      = errors.New("polling backend requires a capture function")
)
