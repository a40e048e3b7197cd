package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"device-relay/interfaces/go/client"
	"device-relay/internal/app"
	"device-relay/internal/domain"
	"device-relay/internal/infrastructure/config"
)

var jpegFrame = []byte{0xFF, 0xD8, 0x10, 0x20, 0xFF, 0xD9}

// phoneBridge pretends to be the adb bridge with one emulator attached.
type phoneBridge struct {
	captures atomic.Int64
}

func (b *phoneBridge) Platform() domain.Platform           { return domain.PlatformAndroid }
func (b *phoneBridge) IsAvailable(ctx context.Context) bool { return true }

func (b *phoneBridge) ListDevices(ctx context.Context) ([]domain.Device, error) {
	return []domain.Device{{ID: "emulator-5554", Platform: domain.PlatformAndroid, State: "device"}}, nil
}

func (b *phoneBridge) CaptureScreen(ctx context.Context, id string) ([]byte, error) {
	b.captures.Add(1)
	return jpegFrame, nil
}

func startApp(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *app.App, *phoneBridge) {
	t.Helper()
	cfg := config.Defaults()
	cfg.SSEHeartbeat = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	nop := zerolog.Nop()
	pb := &phoneBridge{}
	a, err := app.New(cfg, &nop, pb)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close()
	})
	return srv, a, pb
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestMonitorSeesRecordingLifecycle(t *testing.T) {
	srv, a, _ := startApp(t, nil)
	mon, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/monitor/ws"), nil)
	if err != nil {
		t.Fatalf("dial monitor: %v", err)
	}
	defer mon.Close()
	deadline := time.Now().Add(2 * time.Second)
	for a.Deps.Monitor.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("monitor client not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cl := client.New(srv.URL)
	rec, err := cl.StartRecording(context.Background(), "emulator-5554", 0, "s-mon")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.FPS != config.Defaults().RecordingDefaultFPS {
		t.Fatalf("fps 0 should use the configured default, got %d", rec.FPS)
	}
	if _, err := cl.StopRecording(context.Background(), rec.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var types []string
	for len(types) < 2 {
		_ = mon.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev domain.Event
		if err := mon.ReadJSON(&ev); err != nil {
			t.Fatalf("monitor read: %v", err)
		}
		types = append(types, ev.Type)
	}
	if types[0] != "recording.started" || types[1] != "recording.stopped" {
		t.Fatalf("monitor order %v", types)
	}
}

// An SSE client that drops and reconnects with Last-Event-ID sees every
// event exactly once, in order.
func TestSSEReconnectResumesWithoutLoss(t *testing.T) {
	srv, a, _ := startApp(t, nil)

	read := func(lastID string, n int) []string {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/stream?types=note", nil)
		if lastID != "" {
			req.Header.Set("Last-Event-ID", lastID)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		defer resp.Body.Close()
		var ids []string
		sc := bufio.NewScanner(resp.Body)
		for len(ids) < n && sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "id: ") {
				ids = append(ids, strings.TrimPrefix(line, "id: "))
			}
		}
		return ids
	}

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		time.Sleep(150 * time.Millisecond)
		for i := 0; i < 3; i++ {
			a.Bus.Emit("note", i)
			time.Sleep(30 * time.Millisecond)
		}
	}()
	first := read("", 2)
	<-emitted
	if len(first) != 2 || first[0] != "1" || first[1] != "2" {
		t.Fatalf("first connection %v", first)
	}
	a.Bus.Emit("other", nil)
	a.Bus.Emit("note", 99)

	second := read(first[len(first)-1], 2)
	if len(second) != 2 || second[0] != "3" || second[1] != "5" {
		t.Fatalf("resumed connection %v", second)
	}
}

// Several agents long-polling the same session each get the whole batch.
func TestConcurrentWaitersShareBatch(t *testing.T) {
	srv, a, _ := startApp(t, nil)
	cl := client.New(srv.URL)

	const waiters = 4
	var wg sync.WaitGroup
	results := make([]client.Batch, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = cl.WaitForEvents(context.Background(), client.WaitOptions{
				SessionID:   "s-1",
				BatchWindow: 150 * time.Millisecond,
				Timeout:     5 * time.Second,
			})
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.Bus.Subscribers() < waiters+1 { // +1 for the monitor mirror
		if time.Now().After(deadline) {
			t.Fatal("waiters never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		if _, err := cl.PublishEvent(context.Background(), "annotation.added", map[string]int{"n": i}, map[string]string{"sessionId": "s-1"}); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = cl.PublishEvent(context.Background(), "annotation.added", nil, map[string]string{"sessionId": "s-2"})
	wg.Wait()

	for i, b := range results {
		if b.TimedOut || b.Aborted || len(b.Events) != 3 {
			t.Fatalf("waiter %d: %+v", i, b)
		}
		var payload map[string]int
		if err := json.Unmarshal(b.Events[2].Data, &payload); err != nil || payload["n"] != 2 {
			t.Fatalf("waiter %d: last payload %s", i, b.Events[2].Data)
		}
	}
}

// Closing every viewer releases the device stream and its capture loop.
func TestStreamReleasedWhenViewersLeave(t *testing.T) {
	srv, a, pb := startApp(t, func(c *config.Config) { c.StreamFPS = 20 })
	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/devices/emulator-5554/stream"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err := c.ReadMessage(); err != nil || len(data) != len(jpegFrame) {
		t.Fatalf("first frame: %v", err)
	}
	_ = c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for a.Deps.Streams.Viewers("emulator-5554") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	before := pb.captures.Load()
	time.Sleep(200 * time.Millisecond)
	if after := pb.captures.Load(); after != before {
		t.Fatalf("captures continued after the last viewer left: %d -> %d", before, after)
	}
}
