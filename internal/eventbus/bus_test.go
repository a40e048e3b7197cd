package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"device-relay/internal/domain"
)

func sequences(evs []domain.Event) []uint64 {
	out := make([]uint64, len(evs))
	for i, e := range evs {
		out[i] = e.Sequence
	}
	return out
}

func TestEventsSinceReturnsLaterEventsInOrder(t *testing.T) {
	b := New(Options{})
	for i := 0; i < 5; i++ {
		b.Emit("tick", i)
	}
	evs, complete := b.EventsSince(2, nil)
	if !complete {
		t.Fatalf("expected complete replay")
	}
	got := sequences(evs)
	if len(got) != 3 || got[0] != 3 || got[1] != 4 || got[2] != 5 {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
}

func TestEventsSinceOlderThanWindowIsEmpty(t *testing.T) {
	b := New(Options{Retention: 3})
	for i := 0; i < 10; i++ {
		b.Emit("tick", i)
	}
	evs, complete := b.EventsSince(2, nil)
	if complete || len(evs) != 0 {
		t.Fatalf("expected empty incomplete result, got %v complete=%v", sequences(evs), complete)
	}
	if evs == nil {
		t.Fatalf("result should be an empty slice, not nil")
	}
	// the last sequence before the window is still a clean resume point
	evs, complete = b.EventsSince(7, nil)
	if !complete || len(evs) != 3 {
		t.Fatalf("expected 3 events from 7, got %v complete=%v", sequences(evs), complete)
	}
}

func TestEventsSinceAppliesFilter(t *testing.T) {
	b := New(Options{})
	b.Emit("a", nil)
	b.Emit("b", nil)
	b.Emit("a", nil)
	evs, _ := b.EventsSince(0, TypeFilter("a"))
	if got := sequences(evs); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected [1 3], got %v", got)
	}
}

func TestEventsSinceMaxAge(t *testing.T) {
	b := New(Options{MaxAge: time.Minute})
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	b.Emit("old", nil)
	now = now.Add(2 * time.Minute)
	b.Emit("new", nil)
	if _, complete := b.EventsSince(0, nil); complete {
		t.Fatalf("aged-out event should make the replay incomplete")
	}
	evs, complete := b.EventsSince(1, nil)
	if !complete || len(evs) != 1 || evs[0].Type != "new" {
		t.Fatalf("expected only the new event")
	}
}

func TestSequencesStartAtOneAndIncrease(t *testing.T) {
	b := New(Options{})
	if b.LastSequence() != 0 {
		t.Fatalf("fresh bus should have no sequence")
	}
	first := b.Emit("x", nil)
	second := b.Emit("x", nil)
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("expected 1,2 got %d,%d", first.Sequence, second.Sequence)
	}
	other := New(Options{})
	if ev := other.Emit("x", nil); ev.Sequence != 1 {
		t.Fatalf("each bus owns its own counter")
	}
}

func TestSubscribersSeeEmissionOrderUnderConcurrency(t *testing.T) {
	b := New(Options{Retention: 10000})
	var mu sync.Mutex
	var seen []uint64
	b.Subscribe(func(ev domain.Event) {
		mu.Lock()
		seen = append(seen, ev.Sequence)
		mu.Unlock()
	})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Emit("c", nil)
			}
		}()
	}
	wg.Wait()
	if len(seen) != 800 {
		t.Fatalf("expected 800 deliveries, got %d", len(seen))
	}
	for i, s := range seen {
		if s != uint64(i+1) {
			t.Fatalf("delivery %d has sequence %d", i, s)
		}
	}
}

func TestDeliveryIsSynchronousAndOrdered(t *testing.T) {
	b := New(Options{})
	var order []string
	b.Subscribe(func(domain.Event) { order = append(order, "first") })
	b.Subscribe(func(domain.Event) { order = append(order, "second") })
	b.Emit("x", nil)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected delivery in subscription order before Emit returns, got %v", order)
	}
}

func TestHandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	b := New(Options{})
	calls := 0
	var unsub func()
	unsub = b.Subscribe(func(domain.Event) {
		calls++
		unsub()
	})
	later := 0
	var unsubLater func()
	b.Subscribe(func(domain.Event) { unsubLater() })
	unsubLater = b.Subscribe(func(domain.Event) { later++ })

	b.Emit("x", nil)
	b.Emit("x", nil)
	if calls != 1 {
		t.Fatalf("self-unsubscribed handler called %d times", calls)
	}
	if later != 0 {
		t.Fatalf("handler removed mid-dispatch must not be called, got %d", later)
	}
}

func TestEmitRoutingHints(t *testing.T) {
	b := New(Options{})
	ev := b.Emit("annotation.created", map[string]any{"id": "a1"}, Route("sessionId", "s1"))
	if ev.RouteValue("sessionId") != "s1" {
		t.Fatalf("route not attached: %v", ev.Route)
	}
	evs, _ := b.EventsSince(0, RouteFilter("sessionId", "s1"))
	if len(evs) != 1 {
		t.Fatalf("route filter should match")
	}
}

func TestCompileFilter(t *testing.T) {
	f, err := CompileFilter(`type == "annotation.created" && route.sessionId == "s1" && data.severity == "high"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b := New(Options{})
	b.Emit("annotation.created", map[string]any{"severity": "high"}, Route("sessionId", "s1"))
	b.Emit("annotation.created", map[string]any{"severity": "low"}, Route("sessionId", "s1"))
	b.Emit("annotation.created", map[string]any{"severity": "high"})
	evs, _ := b.EventsSince(0, f)
	if got := sequences(evs); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1], got %v", got)
	}

	if f, err := CompileFilter("  "); err != nil || f != nil {
		t.Fatalf("empty expression should compile to nil filter")
	}
	if _, err := CompileFilter("type =="); err == nil {
		t.Fatalf("expected syntax error")
	}
}

func TestCollectBatchWindowStartsAtFirstEvent(t *testing.T) {
	b := New(Options{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Emit("a", 0)
		time.Sleep(50 * time.Millisecond)
		b.Emit("a", 50)
		time.Sleep(100 * time.Millisecond)
		b.Emit("a", 150)
	}()
	res := b.CollectBatch(context.Background(), BatchOptions{BatchWindow: 100 * time.Millisecond, MaxWait: 2 * time.Second})
	if res.Aborted || res.TimedOut {
		t.Fatalf("unexpected outcome: %+v", res)
	}
	if len(res.Events) != 2 || res.Events[0].Data != 0 || res.Events[1].Data != 50 {
		t.Fatalf("expected events at 0 and 50, got %+v", res.Events)
	}
	time.Sleep(150 * time.Millisecond)
	if b.Subscribers() != 0 {
		t.Fatalf("batch subscription not released")
	}
}

func TestCollectBatchMaxWaitWithoutEvents(t *testing.T) {
	b := New(Options{})
	start := time.Now()
	res := b.CollectBatch(context.Background(), BatchOptions{BatchWindow: 50 * time.Millisecond, MaxWait: 100 * time.Millisecond})
	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond || elapsed > 400*time.Millisecond {
		t.Fatalf("expected to resolve around 100ms, took %s", elapsed)
	}
	if !res.TimedOut || len(res.Events) != 0 || res.Events == nil {
		t.Fatalf("expected empty timed-out batch, got %+v", res)
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscription leaked")
	}
}

func TestCollectBatchIgnoresNonMatching(t *testing.T) {
	b := New(Options{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Emit("noise", nil)
		b.Emit("wanted", nil)
	}()
	res := b.CollectBatch(context.Background(), BatchOptions{Match: TypeFilter("wanted"), BatchWindow: 30 * time.Millisecond, MaxWait: time.Second})
	if len(res.Events) != 1 || res.Events[0].Type != "wanted" {
		t.Fatalf("expected one wanted event, got %+v", res.Events)
	}
}

func TestCollectBatchAbort(t *testing.T) {
	b := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Emit("a", nil)
		cancel()
	}()
	res := b.CollectBatch(ctx, BatchOptions{BatchWindow: time.Second, MaxWait: 5 * time.Second})
	if !res.Aborted || len(res.Events) != 0 {
		t.Fatalf("expected aborted empty batch, got %+v", res)
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscription leaked after abort")
	}
	if res := b.CollectBatch(ctx, BatchOptions{MaxWait: time.Second}); !res.Aborted {
		t.Fatalf("already-cancelled context should abort immediately")
	}
}
