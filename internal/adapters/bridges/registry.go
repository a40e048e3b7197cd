// Package bridges assembles the concrete device bridges enabled by config.
package bridges

import (
	"context"

	"github.com/rs/zerolog"

	"device-relay/internal/adapters/bridges/adb"
	"device-relay/internal/adapters/bridges/simctl"
	"device-relay/internal/bridge"
	"device-relay/internal/domain"
	"device-relay/internal/screenstream"
)

type Config struct {
	// Enabled lists bridge names in lookup order. Empty enables all.
	Enabled    []string
	ADBPath    string
	FFmpegPath string
	XcrunPath  string
}

// Registry is the ordered set of bridges known to the process.
type Registry struct {
	bridges []bridge.Bridge
	logger  *zerolog.Logger
}

func NewRegistry(logger *zerolog.Logger, bs ...bridge.Bridge) *Registry {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Registry{bridges: bs, logger: logger}
}

// Default registers the enabled bridges, adb then simctl unless
// cfg.Enabled says otherwise. Unknown names are logged and skipped.
func Default(cfg Config, logger *zerolog.Logger) *Registry {
	names := cfg.Enabled
	if len(names) == 0 {
		names = []string{"adb", "simctl"}
	}
	r := NewRegistry(logger)
	for _, name := range names {
		switch name {
		case "adb":
			r.bridges = append(r.bridges, adb.New(adb.Config{ADBPath: cfg.ADBPath, FFmpegPath: cfg.FFmpegPath}))
		case "simctl":
			r.bridges = append(r.bridges, simctl.New(simctl.Config{XcrunPath: cfg.XcrunPath}))
		default:
			r.logger.Warn().Str("bridge", name).Msg("unknown bridge ignored")
		}
	}
	return r
}

func (r *Registry) Bridges() []bridge.Bridge {
	return append([]bridge.Bridge(nil), r.bridges...)
}

// Toolchain returns the streaming pipeline toolchain a bridge offers, if any.
func (r *Registry) Toolchain(b bridge.Bridge) (screenstream.Toolchain, bool) {
	tc, ok := b.(screenstream.Toolchain)
	return tc, ok
}

// Available logs and returns which platforms currently have a usable bridge.
func (r *Registry) Available(ctx context.Context) []domain.Platform {
	var out []domain.Platform
	for _, b := range r.bridges {
		ok := b.IsAvailable(ctx)
		r.logger.Debug().Str("platform", string(b.Platform())).Bool("available", ok).Msg("bridge availability")
		if ok {
			out = append(out, b.Platform())
		}
	}
	return out
}
