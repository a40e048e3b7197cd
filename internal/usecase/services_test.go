package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"device-relay/internal/adapters/storage/memory"
	"device-relay/internal/bridge"
	"device-relay/internal/domain"
	"device-relay/internal/eventbus"
	"device-relay/internal/recording"
	"device-relay/internal/screenstream"
)

var jpeg = []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}

type fakeBridge struct{ ids []string }

func (f fakeBridge) Platform() domain.Platform           { return domain.PlatformAndroid }
func (f fakeBridge) IsAvailable(ctx context.Context) bool { return true }

func (f fakeBridge) ListDevices(ctx context.Context) ([]domain.Device, error) {
	var out []domain.Device
	for _, id := range f.ids {
		out = append(out, domain.Device{ID: id, Platform: domain.PlatformAndroid, State: "device"})
	}
	return out, nil
}

func (f fakeBridge) CaptureScreen(ctx context.Context, id string) ([]byte, error) { return jpeg, nil }

type noToolchains struct{}

func (noToolchains) Toolchain(bridge.Bridge) (screenstream.Toolchain, bool) { return nil, false }

func newService(t *testing.T) (*DeviceService, *eventbus.Bus) {
	t.Helper()
	resolver := bridge.NewResolver([]bridge.Bridge{fakeBridge{ids: []string{"emulator-5554"}}})
	engine := recording.NewEngine(resolver, memory.NewStore(100, 0), nil, nil)
	t.Cleanup(engine.Close)
	bus := eventbus.New(eventbus.Options{})
	svc := NewDeviceService(DeviceServiceDeps{
		Resolver:   resolver,
		Toolchains: noToolchains{},
		Recordings: engine,
		Events:     bus,
		Defaults:   StreamDefaults{FPS: 20},
	})
	return svc, bus
}

func TestCaptureUnknownDevice(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Capture(context.Background(), "ghost", ""); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	data, err := svc.Capture(context.Background(), "emulator-5554", "")
	if err != nil || len(data) != len(jpeg) {
		t.Fatalf("capture: %v", err)
	}
}

func TestNewStreamPollsWithoutToolchain(t *testing.T) {
	svc, _ := newService(t)
	frames := make(chan domain.Frame, 8)
	st, err := svc.NewStream(context.Background(), "emulator-5554", "", screenstream.Handlers{
		OnFrame: func(f domain.Frame) {
			select {
			case frames <- f:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer st.Stop()
	select {
	case f := <-frames:
		if f.Seq != 1 {
			t.Fatalf("first frame seq %d", f.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame received")
	}
	if st.Backend() != screenstream.BackendPolling {
		t.Fatalf("expected polling, got %s", st.Backend())
	}
}

func TestRecordingLifecyclePublishesEvents(t *testing.T) {
	svc, bus := newService(t)
	ctx := context.Background()
	rec, err := svc.StartRecording(ctx, "emulator-5554", 20, "s1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	stopped, err := svc.StopRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.FrameCount == 0 {
		t.Fatalf("expected frames")
	}
	data, frame, ok, err := svc.RecordingFrameImage(ctx, rec.ID, 0)
	if err != nil || !ok || string(data) != string(jpeg) || frame.RecordingID != rec.ID {
		t.Fatalf("frame image: ok=%v err=%v frame=%+v", ok, err, frame)
	}

	evs, _ := bus.EventsSince(0, eventbus.RouteFilter("sessionId", "s1"))
	if len(evs) != 2 || evs[0].Type != EventRecordingStarted || evs[1].Type != EventRecordingStopped {
		t.Fatalf("unexpected lifecycle events: %+v", evs)
	}

	if err := svc.DeleteRecording(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, _, err := svc.RecordingFrameImage(ctx, rec.ID, 0); !errors.Is(err, recording.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRecordingFrameImageEvicted(t *testing.T) {
	resolver := bridge.NewResolver([]bridge.Bridge{fakeBridge{ids: []string{"emulator-5554"}}})
	engine := recording.NewEngine(resolver, memory.NewStore(1, 0), nil, nil)
	t.Cleanup(engine.Close)
	svc := NewDeviceService(DeviceServiceDeps{
		Resolver:   resolver,
		Toolchains: noToolchains{},
		Recordings: engine,
		Events:     eventbus.New(eventbus.Options{}),
	})
	ctx := context.Background()
	rec, err := svc.StartRecording(ctx, "emulator-5554", 20, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	stopped, err := svc.StopRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.FrameCount < 2 {
		t.Fatalf("expected at least two frames, got %d", stopped.FrameCount)
	}

	_, frame, ok, err := svc.RecordingFrameImage(ctx, rec.ID, 0)
	if !errors.Is(err, ErrScreenshotEvicted) || ok {
		t.Fatalf("first frame: ok=%v err=%v", ok, err)
	}
	if frame.RecordingID != rec.ID {
		t.Fatalf("evicted frame should still be reported: %+v", frame)
	}
}

func TestStartRecordingUnknownDevice(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.StartRecording(context.Background(), "ghost", 2, ""); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestPublishEventRoutes(t *testing.T) {
	svc, bus := newService(t)
	ev := svc.PublishEvent("annotation.created", map[string]any{"id": "a"}, map[string]string{"sessionId": "s9"})
	if ev.Sequence != 1 || ev.RouteValue("sessionId") != "s9" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if bus.LastSequence() != 1 {
		t.Fatalf("event not on bus")
	}
}
