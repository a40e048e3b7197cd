package screenstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// PipelineConfig is passed through to both child processes.
type PipelineConfig struct {
	DeviceID string
	FPS      int
	MaxSize  int // longest output edge in pixels, 0 keeps the device size
	BitRate  int // encoder bit rate in bits per second
}

// PipelineBackend runs encoder | transcoder and cuts the transcoder's stdout
// into JPEG frames. Either process exiting while running emits Closed once.
type PipelineBackend struct {
	toolchain Toolchain
	cfg       PipelineConfig
	logger    *zerolog.Logger

	mu        sync.Mutex
	started   bool
	running   bool
	closeSent bool
	cancel    context.CancelFunc
	sink      Sink
}

func NewPipelineBackend(tc Toolchain, cfg PipelineConfig, logger *zerolog.Logger) *PipelineBackend {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &PipelineBackend{toolchain: tc, cfg: cfg, logger: logger}
}

func (p *PipelineBackend) Name() string { return BackendPipeline }

func (p *PipelineBackend) Start(ctx context.Context, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	enc := p.toolchain.EncoderCommand(runCtx, p.cfg)
	tr := p.toolchain.TranscoderCommand(runCtx, p.cfg)

	pr, pw, err := os.Pipe()
	if err != nil {
		cancel()
		return fmt.Errorf("pipeline: pipe: %w", err)
	}
	enc.Stdout = pw
	tr.Stdin = pr
	out, err := tr.StdoutPipe()
	if err != nil {
		cancel()
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("pipeline: transcoder stdout: %w", err)
	}

	if err := tr.Start(); err != nil {
		cancel()
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("pipeline: spawn transcoder: %w", err)
	}
	if err := enc.Start(); err != nil {
		cancel()
		_ = pr.Close()
		_ = pw.Close()
		_ = tr.Wait()
		return fmt.Errorf("pipeline: spawn encoder: %w", err)
	}
	// the children hold their own copies of the pipe ends
	_ = pr.Close()
	_ = pw.Close()

	p.running = true
	p.cancel = cancel
	p.sink = sink

	go p.waitEncoder(enc)
	go p.readTranscoder(tr, out)

	p.logger.Debug().Str("device", p.cfg.DeviceID).Int("fps", p.cfg.FPS).Int("maxSize", p.cfg.MaxSize).Msg("pipeline started")
	return nil
}

// Stop kills both processes. No Closed event is emitted for a requested stop.
func (p *PipelineBackend) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()
	cancel()
}

func (p *PipelineBackend) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PipelineBackend) waitEncoder(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.exited("encoder", err)
}

func (p *PipelineBackend) readTranscoder(cmd *exec.Cmd, out io.Reader) {
	var ex Extractor
	buf := make([]byte, 64<<10)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			for _, frame := range ex.Feed(buf[:n]) {
				if !p.isRunning() {
					break
				}
				p.sink.Frame(frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && p.isRunning() {
				p.sink.Error(fmt.Errorf("pipeline: read transcoder: %w", err))
			}
			break
		}
	}
	p.exited("transcoder", cmd.Wait())
}

// exited turns the first unexpected process exit into a single Closed event.
func (p *PipelineBackend) exited(name string, err error) {
	p.mu.Lock()
	if !p.running || p.closeSent {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.closeSent = true
	cancel, sink := p.cancel, p.sink
	p.mu.Unlock()

	ev := p.logger.Warn().Str("device", p.cfg.DeviceID).Str("process", name)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("pipeline process exited")
	cancel()
	sink.Closed()
}
