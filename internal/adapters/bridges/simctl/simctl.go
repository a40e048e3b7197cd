// Package simctl drives booted iOS simulators through `xcrun simctl`.
package simctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"device-relay/internal/domain"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	XcrunPath string
	Timeout   time.Duration
}

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

type Bridge struct {
	xcrun   string
	timeout time.Duration
	run     runner
}

func New(cfg Config) *Bridge {
	b := &Bridge{xcrun: cfg.XcrunPath, timeout: cfg.Timeout, run: runCommand}
	if b.xcrun == "" {
		b.xcrun = "xcrun"
	}
	if b.timeout <= 0 {
		b.timeout = defaultTimeout
	}
	return b
}

func (b *Bridge) Platform() domain.Platform { return domain.PlatformIOS }

func (b *Bridge) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(b.xcrun); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	_, err := b.run(ctx, b.xcrun, "--find", "simctl")
	return err == nil
}

func (b *Bridge) ListDevices(ctx context.Context) ([]domain.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	out, err := b.run(ctx, b.xcrun, "simctl", "list", "devices", "booted", "-j")
	if err != nil {
		return nil, err
	}
	return parseDevices(out)
}

// CaptureScreen writes a JPEG screenshot to stdout.
func (b *Bridge) CaptureScreen(ctx context.Context, deviceID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	out, err := b.run(ctx, b.xcrun, "simctl", "io", deviceID, "screenshot", "--type=jpeg", "-")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("simctl screenshot: empty output")
	}
	return out, nil
}

type simDevice struct {
	UDID                 string `json:"udid"`
	Name                 string `json:"name"`
	State                string `json:"state"`
	IsAvailable          bool   `json:"isAvailable"`
	DeviceTypeIdentifier string `json:"deviceTypeIdentifier"`
}

type deviceList struct {
	Devices map[string][]simDevice `json:"devices"`
}

func parseDevices(out []byte) ([]domain.Device, error) {
	var list deviceList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("simctl list: %w", err)
	}
	runtimes := make([]string, 0, len(list.Devices))
	for rt := range list.Devices {
		runtimes = append(runtimes, rt)
	}
	sort.Strings(runtimes)

	var devices []domain.Device
	for _, rt := range runtimes {
		for _, d := range list.Devices[rt] {
			if !strings.EqualFold(d.State, "booted") {
				continue
			}
			model := d.DeviceTypeIdentifier
			if i := strings.LastIndex(model, "."); i >= 0 {
				model = model[i+1:]
			}
			devices = append(devices, domain.Device{
				ID:       d.UDID,
				Name:     d.Name,
				Platform: domain.PlatformIOS,
				State:    strings.ToLower(d.State),
				Model:    model,
			})
		}
	}
	return devices, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w (stderr: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
