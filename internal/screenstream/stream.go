package screenstream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"device-relay/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handlers receive stream events. They are called one at a time, never
// concurrently, and must not call Stop synchronously.
type Handlers struct {
	OnFrame func(domain.Frame)
	OnError func(error)
	OnClose func()
}

// Options configure a ScreenStream.
type Options struct {
	DeviceID string
	FPS      int
	MaxSize  int
	BitRate  int

	// Toolchain enables the pipeline backend when both of its tools are
	// present. Nil means polling only.
	Toolchain Toolchain
	// Capture is the single-shot primitive used by the polling backend.
	Capture CaptureFunc

	Logger  *zerolog.Logger
	Metrics Metrics
}

// ScreenStream picks the pipeline backend when its toolchain is present and
// otherwise polls. If the pipeline dies mid-stream it swaps in the polling
// backend once, without reporting an error to the consumer.
type ScreenStream struct {
	opts     Options
	handlers Handlers
	logger   *zerolog.Logger
	metrics  Metrics

	mu       sync.Mutex
	state    State
	backend  Backend
	gen      uint64
	fellBack bool
	seq      uint64
	cancel   context.CancelFunc
	ctx      context.Context

	// serializes handler calls; Stop takes it to wait out an in-flight delivery
	deliverMu sync.Mutex
}

func New(opts Options, h Handlers) *ScreenStream {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m := opts.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	if opts.FPS <= 0 {
		opts.FPS = 10
	}
	l := logger.With().Str("device", opts.DeviceID).Logger()
	return &ScreenStream{opts: opts, handlers: h, logger: &l, metrics: m}
}

func (s *ScreenStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Backend returns the name of the active backend, or "" when none runs.
func (s *ScreenStream) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return ""
	}
	return s.backend.Name()
}

// Start checks the toolchain and launches a backend. The stream outlives ctx;
// only Stop ends it.
func (s *ScreenStream) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return ErrStopped
	case StateIdle:
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := s.ctx
	s.mu.Unlock()

	usePipeline := false
	if s.opts.Toolchain != nil {
		enc, tr := s.opts.Toolchain.Usable(ctx)
		usePipeline = enc && tr
		s.logger.Debug().Bool("encoder", enc).Bool("transcoder", tr).Msg("toolchain checked")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return ErrStopped
	}
	if usePipeline {
		err := s.startLocked(runCtx, s.newPipeline())
		if err == nil {
			s.state = StateStreaming
			return nil
		}
		s.logger.Warn().Err(err).Msg("pipeline backend failed to start, polling instead")
		s.metrics.ObserveStreamError(BackendPipeline)
		s.fellBack = true
		go s.deliverError(0, err)
	}
	if err := s.startLocked(runCtx, s.newPolling()); err != nil {
		s.state = StateStopped
		s.cancel()
		return err
	}
	s.state = StateStreaming
	return nil
}

// Stop ends the stream. It is idempotent, terminates the active backend and
// guarantees no frame is delivered after it returns.
func (s *ScreenStream) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	wasRunning := s.state != StateIdle
	s.state = StateStopped
	s.gen++
	b := s.backend
	s.backend = nil
	cancel := s.cancel
	s.mu.Unlock()

	if b != nil {
		b.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if wasRunning && s.handlers.OnClose != nil {
		s.handlers.OnClose()
	}
	s.logger.Debug().Msg("screen stream stopped")
}

func (s *ScreenStream) newPipeline() Backend {
	return NewPipelineBackend(s.opts.Toolchain, PipelineConfig{
		DeviceID: s.opts.DeviceID,
		FPS:      s.opts.FPS,
		MaxSize:  s.opts.MaxSize,
		BitRate:  s.opts.BitRate,
	}, s.logger)
}

func (s *ScreenStream) newPolling() Backend {
	return NewPollingBackend(s.opts.Capture, PollingConfig{FPS: s.opts.FPS, MaxSize: s.opts.MaxSize})
}

func (s *ScreenStream) startLocked(ctx context.Context, b Backend) error {
	s.gen++
	if err := b.Start(ctx, backendSink{s: s, gen: s.gen, name: b.Name()}); err != nil {
		return err
	}
	s.backend = b
	s.logger.Info().Str("backend", b.Name()).Msg("screen stream backend started")
	return nil
}

// backendClosed handles a backend that ended on its own. The first pipeline
// close falls back to polling; anything else ends the stream.
func (s *ScreenStream) backendClosed(gen uint64, name string) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	if name == BackendPipeline && !s.fellBack {
		s.fellBack = true
		s.metrics.ObserveFallback()
		s.logger.Warn().Msg("pipeline backend closed, falling back to polling")
		err := s.startLocked(s.ctx, s.newPolling())
		if err == nil {
			s.mu.Unlock()
			return
		}
		s.logger.Error().Err(err).Msg("polling fallback failed to start")
	}
	s.state = StateStopped
	s.gen++
	s.backend = nil
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.handlers.OnClose != nil {
		s.handlers.OnClose()
	}
}

func (s *ScreenStream) deliverFrame(gen uint64, name string, data []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	if gen != s.gen || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	f := domain.Frame{Seq: s.seq, At: time.Now(), Data: data}
	s.mu.Unlock()

	s.metrics.ObserveFrame(name)
	if s.handlers.OnFrame != nil {
		s.handlers.OnFrame(f)
	}
}

func (s *ScreenStream) deliverError(gen uint64, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	// gen 0 marks errors raised by the facade itself
	live := s.state != StateStopped && (gen == 0 || gen == s.gen)
	s.mu.Unlock()
	if !live {
		return
	}
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

type backendSink struct {
	s    *ScreenStream
	gen  uint64
	name string
}

func (b backendSink) Frame(data []byte) { b.s.deliverFrame(b.gen, b.name, data) }

func (b backendSink) Error(err error) {
	b.s.metrics.ObserveStreamError(b.name)
	b.s.logger.Debug().Err(err).Str("backend", b.name).Msg("stream error")
	b.s.deliverError(b.gen, err)
}

func (b backendSink) Closed() { b.s.backendClosed(b.gen, b.name) }
