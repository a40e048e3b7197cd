package bridge

import (
	"context"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"device-relay/internal/domain"
)

const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	bridge    Bridge
	expiresAt time.Time
}

// Resolver maps a device id to the bridge that owns it. Every enumeration
// it performs caches all reported devices, so one miss usually warms the
// cache for the rest of the fleet.
type Resolver struct {
	bridges []Bridge
	ttl     time.Duration
	logger  *zerolog.Logger
	metrics Metrics
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type ResolverOption func(*Resolver)

func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithLogger(l *zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m Metrics) ResolverOption {
	return func(r *Resolver) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(bridges []Bridge, opts ...ResolverOption) *Resolver {
	nop := zerolog.Nop()
	r := &Resolver{
		bridges: append([]Bridge(nil), bridges...),
		ttl:     DefaultCacheTTL,
		logger:  &nop,
		metrics: noopMetrics{},
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func cacheKey(deviceID string, p domain.Platform) string {
	if p == domain.PlatformUnknown {
		return deviceID
	}
	return deviceID + "\x00" + string(p)
}

// Resolve returns the bridge owning deviceID. A hint restricts the match to
// that platform; an absent device is reported with ok=false, not an error.
func (r *Resolver) Resolve(ctx context.Context, deviceID string, hint domain.Platform) (Bridge, bool) {
	if b, ok := r.lookup(deviceID, hint); ok {
		r.metrics.ObserveBridgeLookup(LookupHit)
		return b, true
	}
	r.metrics.ObserveBridgeLookup(LookupMiss)

	for _, b := range r.ordered(deviceID, hint) {
		if ctx.Err() != nil {
			break
		}
		if !b.IsAvailable(ctx) {
			continue
		}
		devices, err := b.ListDevices(ctx)
		if err != nil {
			r.logger.Debug().Err(err).Str("platform", string(b.Platform())).Msg("bridge enumeration failed")
			continue
		}
		found := false
		for _, d := range devices {
			if d.ID == deviceID {
				found = true
			}
		}
		r.store(b, devices)
		if found && (hint == domain.PlatformUnknown || b.Platform() == hint) {
			return b, true
		}
	}
	r.metrics.ObserveBridgeLookup(LookupAbsent)
	r.logger.Debug().Str("device", deviceID).Str("hint", string(hint)).Msg("no bridge reports device")
	return nil, false
}

// ListDevices enumerates every available bridge and refreshes the cache.
func (r *Resolver) ListDevices(ctx context.Context) []domain.Device {
	var out []domain.Device
	for _, b := range r.bridges {
		if !b.IsAvailable(ctx) {
			continue
		}
		devices, err := b.ListDevices(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("platform", string(b.Platform())).Msg("list devices")
			continue
		}
		r.store(b, devices)
		for _, d := range devices {
			if d.Platform == domain.PlatformUnknown {
				d.Platform = b.Platform()
			}
			out = append(out, d)
		}
	}
	return out
}

// Invalidate drops every cached entry.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

func (r *Resolver) lookup(deviceID string, hint domain.Platform) (Bridge, bool) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := []string{cacheKey(deviceID, hint)}
	if hint != domain.PlatformUnknown {
		keys = append(keys, deviceID)
	}
	for _, k := range keys {
		e, ok := r.cache[k]
		if !ok || !now.Before(e.expiresAt) {
			continue
		}
		if hint != domain.PlatformUnknown && e.bridge.Platform() != hint {
			continue
		}
		return e.bridge, true
	}
	return nil, false
}

func (r *Resolver) store(b Bridge, devices []domain.Device) {
	exp := r.now().Add(r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		e := cacheEntry{bridge: b, expiresAt: exp}
		r.cache[cacheKey(d.ID, b.Platform())] = e
		r.cache[d.ID] = e
	}
}

// ordered moves bridges of the hinted or guessed platform to the front.
// Every bridge stays in the list.
func (r *Resolver) ordered(deviceID string, hint domain.Platform) []Bridge {
	want := hint
	if want == domain.PlatformUnknown {
		want = GuessPlatform(deviceID)
	}
	if want == domain.PlatformUnknown {
		return r.bridges
	}
	out := make([]Bridge, 0, len(r.bridges))
	var rest []Bridge
	for _, b := range r.bridges {
		if b.Platform() == want {
			out = append(out, b)
		} else {
			rest = append(rest, b)
		}
	}
	return append(out, rest...)
}

var (
	emulatorID  = regexp.MustCompile(`^emulator-\d+$`)
	simulatorID = regexp.MustCompile(`^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)
	iosDeviceID = regexp.MustCompile(`^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{16}$|^[0-9a-f]{40}$`)
)

// GuessPlatform infers a platform from the textual shape of a device id.
// The result is only a hint.
func GuessPlatform(deviceID string) domain.Platform {
	switch {
	case emulatorID.MatchString(deviceID):
		return domain.PlatformAndroid
	case simulatorID.MatchString(deviceID), iosDeviceID.MatchString(deviceID):
		return domain.PlatformIOS
	}
	// adb over tcp uses host:port serials
	if host, port, err := net.SplitHostPort(deviceID); err == nil && host != "" && port != "" {
		return domain.PlatformAndroid
	}
	if strings.HasPrefix(deviceID, "adb-") {
		return domain.PlatformAndroid
	}
	return domain.PlatformUnknown
}
