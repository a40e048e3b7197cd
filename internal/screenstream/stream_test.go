package screenstream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"device-relay/internal/domain"
)

type streamRecorder struct {
	mu     sync.Mutex
	frames []domain.Frame
	errs   []error
	closes int
}

func (r *streamRecorder) handlers() Handlers {
	return Handlers{
		OnFrame: func(f domain.Frame) {
			r.mu.Lock()
			r.frames = append(r.frames, f)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
		},
	}
}

func (r *streamRecorder) snapshot() (frames []domain.Frame, errs, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Frame(nil), r.frames...), len(r.errs), r.closes
}

func staticCapture(ctx context.Context) ([]byte, error) { return jpegLike(9), nil }

func TestStreamPollsWithoutToolchain(t *testing.T) {
	rec := &streamRecorder{}
	s := New(Options{DeviceID: "emulator-5554", FPS: 20, Capture: staticCapture}, rec.handlers())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if s.Backend() != BackendPolling {
		t.Fatalf("expected polling backend, got %q", s.Backend())
	}
	waitFor(t, 2*time.Second, func() bool {
		frames, _, _ := rec.snapshot()
		return len(frames) >= 3
	})
	frames, _, _ := rec.snapshot()
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Fatalf("frame %d has seq %d", i, f.Seq)
		}
	}
}

func TestStreamSkipsPipelineWhenToolMissing(t *testing.T) {
	rec := &streamRecorder{}
	s := New(Options{FPS: 20, Toolchain: shellToolchain{missing: true}, Capture: staticCapture}, rec.handlers())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if s.Backend() != BackendPolling {
		t.Fatalf("expected polling backend, got %q", s.Backend())
	}
}

func TestStreamFallsBackSilentlyWhenPipelineDies(t *testing.T) {
	requireShell(t)
	rec := &streamRecorder{}
	s := New(Options{
		DeviceID:  "dev",
		FPS:       20,
		Toolchain: shellToolchain{encoder: "exit 1"},
		Capture:   staticCapture,
	}, rec.handlers())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool {
		frames, _, _ := rec.snapshot()
		return len(frames) >= 2
	})
	if s.Backend() != BackendPolling {
		t.Fatalf("expected polling after fallback, got %q", s.Backend())
	}
	if s.State() != StateStreaming {
		t.Fatalf("expected streaming, got %s", s.State())
	}
	_, errs, closes := rec.snapshot()
	if errs != 0 || closes != 0 {
		t.Fatalf("fallback must be silent, got errs=%d closes=%d", errs, closes)
	}
}

func TestStreamSpawnFailureReportsAndPolls(t *testing.T) {
	requireShell(t)
	rec := &streamRecorder{}
	s := New(Options{
		FPS:       20,
		Toolchain: shellToolchain{encoder: "true", transcoder: "/nonexistent/transcoder"},
		Capture:   staticCapture,
	}, rec.handlers())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	waitFor(t, 2*time.Second, func() bool {
		frames, errs, _ := rec.snapshot()
		return errs == 1 && len(frames) > 0
	})
}

func TestStreamStopIsIdempotentAndFinal(t *testing.T) {
	var calls atomic.Int32
	capture := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return jpegLike(1), nil
	}
	rec := &streamRecorder{}
	s := New(Options{FPS: 50, Capture: capture}, rec.handlers())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		frames, _, _ := rec.snapshot()
		return len(frames) > 0
	})
	s.Stop()
	s.Stop()
	frames, _, closes := rec.snapshot()
	time.Sleep(150 * time.Millisecond)
	after, _, _ := rec.snapshot()
	if len(after) != len(frames) {
		t.Fatalf("frames delivered after stop: %d -> %d", len(frames), len(after))
	}
	if closes != 1 {
		t.Fatalf("expected one close, got %d", closes)
	}
	if err := s.Start(context.Background()); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStreamOutlivesStartContext(t *testing.T) {
	rec := &streamRecorder{}
	s := New(Options{FPS: 50, Capture: staticCapture}, rec.handlers())
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	defer s.Stop()
	before, _, _ := rec.snapshot()
	waitFor(t, 2*time.Second, func() bool {
		frames, _, _ := rec.snapshot()
		return len(frames) > len(before)+2
	})
}
