// Package adb drives Android devices and emulators through the adb binary.
// It is both a bridge (enumerate, single-shot capture) and the toolchain for
// the streaming pipeline: screenrecord | ffmpeg.
package adb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"device-relay/internal/domain"
	"device-relay/internal/screenstream"
)

const (
	defaultBitRate = 4_000_000
	defaultTimeout = 10 * time.Second

	// the size query runs while the stream is starting
	sizeQueryTimeout = 2 * time.Second
)

type Config struct {
	ADBPath    string
	FFmpegPath string
	// Timeout bounds enumeration and single captures.
	Timeout time.Duration
}

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

type Bridge struct {
	adb     string
	ffmpeg  string
	timeout time.Duration
	run     runner
}

func New(cfg Config) *Bridge {
	b := &Bridge{adb: cfg.ADBPath, ffmpeg: cfg.FFmpegPath, timeout: cfg.Timeout, run: runCommand}
	if b.adb == "" {
		b.adb = "adb"
	}
	if b.ffmpeg == "" {
		b.ffmpeg = "ffmpeg"
	}
	if b.timeout <= 0 {
		b.timeout = defaultTimeout
	}
	return b
}

func (b *Bridge) Platform() domain.Platform { return domain.PlatformAndroid }

func (b *Bridge) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(b.adb); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	_, err := b.run(ctx, b.adb, "version")
	return err == nil
}

func (b *Bridge) ListDevices(ctx context.Context) ([]domain.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	out, err := b.run(ctx, b.adb, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

// CaptureScreen returns a PNG straight from screencap, without touching
// device storage.
func (b *Bridge) CaptureScreen(ctx context.Context, deviceID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	out, err := b.run(ctx, b.adb, "-s", deviceID, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("adb screencap: empty output")
	}
	return out, nil
}

// Usable reports whether adb (encoder side) and ffmpeg (transcoder) exist.
func (b *Bridge) Usable(ctx context.Context) (encoder, transcoder bool) {
	_, errA := exec.LookPath(b.adb)
	_, errF := exec.LookPath(b.ffmpeg)
	return errA == nil, errF == nil
}

// EncoderCommand builds the screenrecord invocation. With MaxSize set the
// device is asked to encode at its own aspect ratio with the longest edge
// capped; if the display size cannot be read, screenrecord picks the size.
func (b *Bridge) EncoderCommand(ctx context.Context, cfg screenstream.PipelineConfig) *exec.Cmd {
	rate := cfg.BitRate
	if rate <= 0 {
		rate = defaultBitRate
	}
	args := []string{"-s", cfg.DeviceID, "exec-out",
		"screenrecord", "--output-format=h264", "--bit-rate", strconv.Itoa(rate)}
	if cfg.MaxSize > 0 {
		if w, h, ok := b.displaySize(ctx, cfg.DeviceID); ok {
			w, h = fitSize(w, h, cfg.MaxSize)
			args = append(args, "--size", fmt.Sprintf("%dx%d", w, h))
		}
	}
	return exec.CommandContext(ctx, b.adb, append(args, "-")...)
}

// displaySize reads `wm size`, preferring the override size when one is set:
//
//	Physical size: 1080x2400
//	Override size: 720x1600
func (b *Bridge) displaySize(ctx context.Context, deviceID string) (w, h int, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, min(b.timeout, sizeQueryTimeout))
	defer cancel()
	out, err := b.run(ctx, b.adb, "-s", deviceID, "shell", "wm", "size")
	if err != nil {
		return 0, 0, false
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		label, value, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		ws, hs, found := strings.Cut(strings.TrimSpace(value), "x")
		if !found {
			continue
		}
		pw, errW := strconv.Atoi(ws)
		ph, errH := strconv.Atoi(hs)
		if errW != nil || errH != nil || pw <= 0 || ph <= 0 {
			continue
		}
		w, h, ok = pw, ph, true
		if strings.HasPrefix(strings.TrimSpace(label), "Override") {
			break
		}
	}
	return w, h, ok
}

// fitSize scales w x h so the longest edge is at most limit, keeping both
// dimensions even as the h264 encoder requires.
func fitSize(w, h, limit int) (int, int) {
	if w > limit || h > limit {
		if w >= h {
			h = h * limit / w
			w = limit
		} else {
			w = w * limit / h
			h = limit
		}
	}
	return w &^ 1, h &^ 1
}

func (b *Bridge) TranscoderCommand(ctx context.Context, cfg screenstream.PipelineConfig) *exec.Cmd {
	return exec.CommandContext(ctx, b.ffmpeg, transcoderArgs(cfg)...)
}

func transcoderArgs(cfg screenstream.PipelineConfig) []string {
	filters := []string{}
	if cfg.FPS > 0 {
		filters = append(filters, "fps="+strconv.Itoa(cfg.FPS))
	}
	if cfg.MaxSize > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", cfg.MaxSize, cfg.MaxSize))
	}
	args := []string{"-loglevel", "error", "-f", "h264", "-i", "pipe:0"}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg")
	// the MJPEG output gets the same budget as the h264 input; without one
	// a fixed quality scale is used
	if cfg.BitRate > 0 {
		args = append(args, "-b:v", strconv.Itoa(cfg.BitRate))
	} else {
		args = append(args, "-q:v", "5")
	}
	return append(args, "pipe:1")
}

// parseDevices reads `adb devices -l` output:
//
//	List of devices attached
//	emulator-5554  device product:sdk_gphone64 model:sdk_gphone64_arm64 device:emu64a transport_id:1
func parseDevices(out []byte) []domain.Device {
	var devices []domain.Device
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := domain.Device{ID: fields[0], State: fields[1], Platform: domain.PlatformAndroid}
		for _, f := range fields[2:] {
			k, v, ok := strings.Cut(f, ":")
			if !ok {
				continue
			}
			switch k {
			case "model":
				d.Model = v
			case "device":
				if d.Name == "" {
					d.Name = v
				}
			}
		}
		if d.Model != "" {
			d.Name = strings.ReplaceAll(d.Model, "_", " ")
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		devices = append(devices, d)
	}
	return devices
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
