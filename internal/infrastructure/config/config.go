package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the variable that points at an optional YAML file.
const ConfigPathEnv = "DEVICE_RELAY_CONFIG"

const (
	StorageMemory = "memory"
	StoragePebble = "pebble"
)

type Config struct {
	Addr            string `yaml:"addr" env:"ADDR"`
	LogLevel        string `yaml:"logLevel" env:"LOG_LEVEL"`
	DevMode         bool   `yaml:"devMode" env:"DEV_MODE"`
	CORSAllowOrigin string `yaml:"corsAllowOrigin" env:"CORS_ALLOW_ORIGIN"`

	// Live screen streaming
	StreamFPS     int `yaml:"streamFps" env:"STREAM_FPS"`
	StreamMaxSize int `yaml:"streamMaxSize" env:"STREAM_MAX_SIZE"`
	StreamBitRate int `yaml:"streamBitRate" env:"STREAM_BIT_RATE"`

	// Bridges, in lookup order. Known names: adb, simctl.
	Bridges        []string      `yaml:"bridges" env:"BRIDGES" envSeparator:","`
	BridgeCacheTTL time.Duration `yaml:"bridgeCacheTTL" env:"BRIDGE_CACHE_TTL"`
	ADBPath        string        `yaml:"adbPath" env:"ADB_PATH"`
	FFmpegPath     string        `yaml:"ffmpegPath" env:"FFMPEG_PATH"`
	XcrunPath      string        `yaml:"xcrunPath" env:"XCRUN_PATH"`

	// Event bus replay window and long-poll defaults
	BusRetention   int           `yaml:"busRetention" env:"BUS_RETENTION"`
	BusMaxAge      time.Duration `yaml:"busMaxAge" env:"BUS_MAX_AGE"`
	BatchWindowMs  int           `yaml:"batchWindowMs" env:"BATCH_WINDOW_MS"`
	BatchMaxWaitMs int           `yaml:"batchMaxWaitMs" env:"BATCH_MAX_WAIT_MS"`
	SSEHeartbeat   time.Duration `yaml:"sseHeartbeat" env:"SSE_HEARTBEAT"`

	RecordingDefaultFPS int `yaml:"recordingDefaultFps" env:"RECORDING_DEFAULT_FPS"`

	// Screenshot persistence: memory (bounded) or pebble (DataDir)
	Storage              string        `yaml:"storage" env:"STORAGE"`
	DataDir              string        `yaml:"dataDir" env:"DATA_DIR"`
	MemoryMaxScreenshots int           `yaml:"memoryMaxScreenshots" env:"MEMORY_MAX_SCREENSHOTS"`
	MemoryScreenshotTTL  time.Duration `yaml:"memoryScreenshotTTL" env:"MEMORY_SCREENSHOT_TTL"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Addr:                 ":9092",
		LogLevel:             "info",
		CORSAllowOrigin:      "*",
		StreamFPS:            10,
		StreamMaxSize:        1024,
		StreamBitRate:        4_000_000,
		Bridges:              []string{"adb", "simctl"},
		BridgeCacheTTL:       30 * time.Second,
		BusRetention:         1000,
		BatchWindowMs:        10_000,
		BatchMaxWaitMs:       300_000,
		SSEHeartbeat:         15 * time.Second,
		RecordingDefaultFPS:  2,
		Storage:              StorageMemory,
		DataDir:              "./data",
		MemoryMaxScreenshots: 5000,
	}
}

// FromEnv returns defaults overlaid with environment variables. Invalid
// values are clamped; an unparsable variable keeps its default.
func FromEnv() Config {
	cfg := Defaults()
	_ = env.Parse(&cfg)
	_ = cfg.Validate()
	return cfg
}

// Load applies defaults, then the YAML file at path (or $DEVICE_RELAY_CONFIG),
// then the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate clamps out-of-range numbers and rejects unknown enum values.
func (c *Config) Validate() error {
	c.StreamFPS = clamp(c.StreamFPS, 1, 60)
	c.RecordingDefaultFPS = clamp(c.RecordingDefaultFPS, 1, 60)
	if c.StreamMaxSize < 0 {
		c.StreamMaxSize = 0
	}
	if c.BusRetention < 1 {
		c.BusRetention = 1
	}
	if c.BatchWindowMs < 0 {
		c.BatchWindowMs = 0
	}
	if c.BatchMaxWaitMs < 0 {
		c.BatchMaxWaitMs = 0
	}
	if c.MemoryMaxScreenshots < 1 {
		c.MemoryMaxScreenshots = 1
	}
	if c.SSEHeartbeat <= 0 {
		c.SSEHeartbeat = 15 * time.Second
	}
	c.Bridges = normalizeList(c.Bridges)
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	switch c.Storage {
	case "":
		c.Storage = StorageMemory
	case StorageMemory:
	case StoragePebble:
		if c.DataDir == "" {
			return errors.New("config: pebble storage requires DATA_DIR")
		}
	default:
		return fmt.Errorf("config: unknown storage %q (want memory or pebble)", c.Storage)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeList trims and lowercases tokens, skipping empties.
func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		t := strings.ToLower(strings.TrimSpace(p))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
