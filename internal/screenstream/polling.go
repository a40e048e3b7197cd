package screenstream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// PollingConfig controls the degraded capture loop.
type PollingConfig struct {
	FPS     int
	MaxSize int // longest output edge in pixels, 0 keeps the capture size
	Quality int // JPEG quality used when a capture has to be re-encoded
}

// PollingBackend captures single screenshots at a self-correcting pace:
// after each capture it sleeps only for what is left of the target interval,
// so a slow capture does not push later frames further and further behind.
type PollingBackend struct {
	capture  CaptureFunc
	interval time.Duration
	maxSize  int
	quality  int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPollingBackend(capture CaptureFunc, cfg PollingConfig) *PollingBackend {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 2
	}
	q := cfg.Quality
	if q <= 0 || q > 100 {
		q = 80
	}
	return &PollingBackend{
		capture:  capture,
		interval: time.Second / time.Duration(fps),
		maxSize:  cfg.MaxSize,
		quality:  q,
		done:     make(chan struct{}),
	}
}

func (p *PollingBackend) Name() string { return BackendPolling }

func (p *PollingBackend) Interval() time.Duration { return p.interval }

func (p *PollingBackend) Start(ctx context.Context, sink Sink) error {
	if p.capture == nil {
		return ErrNoCapture
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.loop(runCtx, sink)
	return nil
}

// Stop cancels the loop and waits for it to exit, so no frame or error
// reaches the sink after it returns. An in-flight capture is discarded; a
// capture that ignores ctx delays Stop until it finishes. Stop must not be
// called from within the sink.
func (p *PollingBackend) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-p.done
}

// Done is closed when the capture loop has exited.
func (p *PollingBackend) Done() <-chan struct{} { return p.done }

func (p *PollingBackend) loop(ctx context.Context, sink Sink) {
	defer close(p.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C
	for {
		if ctx.Err() != nil {
			return
		}
		began := time.Now()
		data, err := p.capture(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			data, err = p.normalize(data)
		}
		if err != nil {
			sink.Error(fmt.Errorf("polling: capture: %w", err))
		} else {
			sink.Frame(data)
		}

		wait := p.interval - time.Since(began)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// normalize makes sure the payload is a JPEG no larger than maxSize on its
// longest edge. JPEG input that already fits is passed through untouched.
func (p *PollingBackend) normalize(data []byte) ([]byte, error) {
	isJPEG := bytes.HasPrefix(data, markerSOI)
	if isJPEG && p.maxSize <= 0 {
		return data, nil
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if p.maxSize > 0 && (w > p.maxSize || h > p.maxSize) {
		if w >= h {
			h = h * p.maxSize / w
			w = p.maxSize
		} else {
			w = w * p.maxSize / h
			h = p.maxSize
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		src = dst
	} else if isJPEG {
		return data, nil
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, src, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return out.Bytes(), nil
}
