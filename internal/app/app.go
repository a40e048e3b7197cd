// Package app wires configuration into a ready-to-serve device relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"device-relay/internal/adapters/bridges"
	"device-relay/internal/adapters/storage/memory"
	pebblestore "device-relay/internal/adapters/storage/pebble"
	"device-relay/internal/bridge"
	"device-relay/internal/domain"
	"device-relay/internal/eventbus"
	"device-relay/internal/infrastructure/config"
	httpapi "device-relay/internal/infrastructure/httpapi"
	obs "device-relay/internal/infrastructure/observability"
	"device-relay/internal/recording"
	"device-relay/internal/usecase"
)

// screenshotStore is what both storage adapters provide.
type screenshotStore interface {
	usecase.ScreenshotRepository
	io.Closer
}

// App owns every long-lived component of a running relay.
type App struct {
	Cfg      config.Config
	Logger   *zerolog.Logger
	Metrics  *obs.Metrics
	Registry *bridges.Registry
	Resolver *bridge.Resolver
	Bus      *eventbus.Bus
	Engine   *recording.Engine
	Service  *usecase.DeviceService
	Deps     *httpapi.Deps

	store       screenshotStore
	unsubscribe func()
}

// New builds the object graph. The bridges passed in replace the configured
// ones, which is how tests run without adb or xcrun.
func New(cfg config.Config, logger *zerolog.Logger, override ...bridge.Bridge) (*App, error) {
	if logger == nil {
		logger = obs.NewLogger(cfg.LogLevel, cfg.DevMode)
	}
	metrics := obs.NewMetrics()

	var registry *bridges.Registry
	if len(override) > 0 {
		registry = bridges.NewRegistry(obs.Component(logger, "bridges"), override...)
	} else {
		registry = bridges.Default(bridges.Config{
			Enabled:    cfg.Bridges,
			ADBPath:    cfg.ADBPath,
			FFmpegPath: cfg.FFmpegPath,
			XcrunPath:  cfg.XcrunPath,
		}, obs.Component(logger, "bridges"))
	}
	resolver := bridge.NewResolver(registry.Bridges(),
		bridge.WithTTL(cfg.BridgeCacheTTL),
		bridge.WithLogger(obs.Component(logger, "resolver")),
		bridge.WithMetrics(metrics),
	)

	store, err := openStore(cfg, metrics)
	if err != nil {
		return nil, err
	}

	engine := recording.NewEngine(resolver, store, obs.Component(logger, "recording"), metrics)
	bus := eventbus.New(eventbus.Options{
		Retention: cfg.BusRetention,
		MaxAge:    cfg.BusMaxAge,
		Logger:    obs.Component(logger, "eventbus"),
		Metrics:   metrics,
	})
	svc := usecase.NewDeviceService(usecase.DeviceServiceDeps{
		Resolver:   resolver,
		Toolchains: registry,
		Recordings: engine,
		Events:     bus,
		Defaults: usecase.StreamDefaults{
			FPS:     cfg.StreamFPS,
			MaxSize: cfg.StreamMaxSize,
			BitRate: cfg.StreamBitRate,
		},
		Logger:  obs.Component(logger, "service"),
		Metrics: metrics,
	})

	monitor := httpapi.NewMonitorHub()
	deps := &httpapi.Deps{
		Cfg:     cfg,
		Logger:  obs.Component(logger, "http"),
		Metrics: metrics,
		Svc:     svc,
		Bus:     bus,
		Streams: httpapi.NewStreamHub(svc, obs.Component(logger, "streams"), metrics),
		Monitor: monitor,
	}

	return &App{
		Cfg:         cfg,
		Logger:      logger,
		Metrics:     metrics,
		Registry:    registry,
		Resolver:    resolver,
		Bus:         bus,
		Engine:      engine,
		Service:     svc,
		Deps:        deps,
		store:       store,
		unsubscribe: bus.Subscribe(monitor.Broadcast),
	}, nil
}

func openStore(cfg config.Config, metrics *obs.Metrics) (screenshotStore, error) {
	switch cfg.Storage {
	case config.StoragePebble:
		st, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir})
		if err != nil {
			return nil, fmt.Errorf("open screenshot store: %w", err)
		}
		return st, nil
	default:
		return memory.NewStore(cfg.MemoryMaxScreenshots, cfg.MemoryScreenshotTTL).WithEvictionObserver(metrics), nil
	}
}

func (a *App) Handler() http.Handler {
	return httpapi.NewRouterWithDeps(a.Deps)
}

// Server returns an http.Server with the same timeouts used for the API.
// There is no write timeout since streams and long-polls are open-ended.
func (a *App) Server() *http.Server {
	return &http.Server{
		Addr:              a.Cfg.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs the HTTP server until ctx is done, then shuts it down gracefully.
// Request contexts are cancelled at shutdown so SSE feeds and long-polls end.
func (a *App) Serve(ctx context.Context) error {
	srv := a.Server()
	reqCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()
	srv.BaseContext = func(net.Listener) context.Context { return reqCtx }
	errc := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Strs("platforms", platforms(a.Registry.Available(ctx))).Msg("starting device-relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Deps.Streams.Close()
	cancelRequests()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("server shutdown error")
		_ = srv.Close()
	}
	return <-errc
}

// Close releases everything New acquired. Safe to call after Serve returns.
func (a *App) Close() error {
	a.Deps.Streams.Close()
	a.unsubscribe()
	a.Engine.Close()
	return a.store.Close()
}

func platforms(ps []domain.Platform) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, string(p))
	}
	return out
}

// WatchDevices re-enumerates devices every interval until ctx is done,
// keeping the resolver cache warm and logging when the device set changes.
func (a *App) WatchDevices(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	last := -1
	for {
		n := len(a.Resolver.ListDevices(ctx))
		if n != last {
			a.Logger.Info().Int("devices", n).Msg("device set changed")
			last = n
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
