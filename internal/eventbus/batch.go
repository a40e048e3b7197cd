package eventbus

import (
	"context"
	"sync"
	"time"

	"device-relay/internal/domain"
)

type BatchOptions struct {
	Match Filter
	// BatchWindow starts at the first matching event; events matched before
	// it elapses are delivered together.
	BatchWindow time.Duration
	// MaxWait runs from the call and ends the wait with whatever was
	// collected so far. Zero waits until ctx is done.
	MaxWait time.Duration
}

type BatchResult struct {
	Events   []domain.Event `json:"events"`
	Aborted  bool           `json:"aborted"`
	TimedOut bool           `json:"timedOut"`
}

type batchOutcome int

const (
	batchWindowClosed batchOutcome = iota
	batchMaxWait
	batchAborted
)

// CollectBatch blocks until a batch of matching events is ready, MaxWait
// elapses or ctx is cancelled. Cancellation yields Aborted with no events.
// The temporary subscription and both timers are released exactly once.
func (b *Bus) CollectBatch(ctx context.Context, opts BatchOptions) BatchResult {
	if ctx.Err() != nil {
		return BatchResult{Events: []domain.Event{}, Aborted: true}
	}

	var (
		mu          sync.Mutex
		collected   []domain.Event
		windowTimer *time.Timer
		maxTimer    *time.Timer
		finished    bool
		outcome     batchOutcome
		unsubscribe func()
		done        = make(chan struct{})
	)

	finish := func(o batchOutcome) {
		mu.Lock()
		if finished {
			mu.Unlock()
			return
		}
		finished = true
		outcome = o
		if windowTimer != nil {
			windowTimer.Stop()
		}
		if maxTimer != nil {
			maxTimer.Stop()
		}
		mu.Unlock()
		unsubscribe()
		close(done)
	}

	// mu is held until unsubscribe is assigned, so no timer callback can
	// reach finish before then
	mu.Lock()
	unsubscribe = b.Subscribe(func(ev domain.Event) {
		if opts.Match != nil && !opts.Match(ev) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		collected = append(collected, ev)
		if windowTimer == nil {
			windowTimer = time.AfterFunc(opts.BatchWindow, func() { finish(batchWindowClosed) })
		}
	})
	if opts.MaxWait > 0 {
		maxTimer = time.AfterFunc(opts.MaxWait, func() { finish(batchMaxWait) })
	}
	mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		finish(batchAborted)
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	switch outcome {
	case batchAborted:
		return BatchResult{Events: []domain.Event{}, Aborted: true}
	case batchMaxWait:
		return BatchResult{Events: nonNil(collected), TimedOut: true}
	default:
		return BatchResult{Events: nonNil(collected)}
	}
}

func nonNil(evs []domain.Event) []domain.Event {
	if evs == nil {
		return []domain.Event{}
	}
	return evs
}
