package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"device-relay/internal/domain"
	"device-relay/internal/infrastructure/config"
)

type fakeBridge struct{}

func (fakeBridge) Platform() domain.Platform           { return domain.PlatformIOS }
func (fakeBridge) IsAvailable(ctx context.Context) bool { return true }

func (fakeBridge) ListDevices(ctx context.Context) ([]domain.Device, error) {
	return []domain.Device{{ID: "A1B2C3D4-0000-0000-0000-000000000000", Platform: domain.PlatformIOS, State: "Booted"}}, nil
}

func (fakeBridge) CaptureScreen(ctx context.Context, id string) ([]byte, error) {
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

func newApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	nop := zerolog.Nop()
	a, err := New(cfg, &nop, fakeBridge{})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAppServesDevices(t *testing.T) {
	a := newApp(t, config.Defaults())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/devices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Items []domain.Device `json:"items"`
		Total int             `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 1 || out.Items[0].Platform != domain.PlatformIOS {
		t.Fatalf("unexpected devices %+v", out)
	}
}

func TestAppPebbleStorage(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage = config.StoragePebble
	cfg.DataDir = t.TempDir()
	a := newApp(t, cfg)

	rec, err := a.Service.StartRecording(context.Background(), "A1B2C3D4-0000-0000-0000-000000000000", 10, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := a.Service.StopRecording(context.Background(), rec.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	data, _, ok, err := a.Service.RecordingFrameImage(context.Background(), rec.ID, 0)
	if err != nil || !ok || len(data) != 4 {
		t.Fatalf("frame image: ok=%v err=%v len=%d", ok, err, len(data))
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Addr = "127.0.0.1:0"
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestWatchDevicesReturnsOnCancel(t *testing.T) {
	a := newApp(t, config.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.WatchDevices(ctx, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
}
