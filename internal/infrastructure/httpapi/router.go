package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"device-relay/internal/eventbus"
	"device-relay/internal/infrastructure/config"
	obs "device-relay/internal/infrastructure/observability"
	"device-relay/internal/usecase"
)

type Deps struct {
	Cfg     config.Config
	Logger  *zerolog.Logger
	Metrics *obs.Metrics
	Svc     *usecase.DeviceService
	Bus     *eventbus.Bus
	Streams *StreamHub
	Monitor *MonitorHub
}

func NewRouterWithDeps(d *Deps) http.Handler {
	return withCORS(d.Cfg, buildRouter(d))
}

// buildRouter constructs the router with all routes, without wrappers.
func buildRouter(d *Deps) *mux.Router {
	rt := mux.NewRouter()

	rt.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	rt.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	rt.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))

	rt.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":    "device-relay",
			"version": obs.Version,
			"commit":  obs.Commit,
			"time":    time.Now().UTC(),
		})
	}).Methods(http.MethodGet)

	rt.HandleFunc("/api/settings", d.handleSettings).Methods(http.MethodGet, http.MethodPost)

	// Devices
	rt.HandleFunc("/api/devices", d.handleListDevices).Methods(http.MethodGet)
	rt.HandleFunc("/api/devices/{id}/screenshot", d.handleScreenshot).Methods(http.MethodGet)
	rt.HandleFunc("/api/devices/{id}/stream", d.handleDeviceStream).Methods(http.MethodGet)

	// Recordings
	rt.HandleFunc("/api/recordings", d.handleStartRecording).Methods(http.MethodPost)
	rt.HandleFunc("/api/recordings", d.handleListRecordings).Methods(http.MethodGet)
	rt.HandleFunc("/api/recordings/{id}", d.handleGetRecording).Methods(http.MethodGet)
	rt.HandleFunc("/api/recordings/{id}", d.handleDeleteRecording).Methods(http.MethodDelete)
	rt.HandleFunc("/api/recordings/{id}/stop", d.handleStopRecording).Methods(http.MethodPost)
	rt.HandleFunc("/api/recordings/{id}/frames", d.handleRecordingFrames).Methods(http.MethodGet)
	rt.HandleFunc("/api/recordings/{id}/frame", d.handleRecordingFrame).Methods(http.MethodGet)

	// Event bus
	rt.HandleFunc("/api/events", d.handlePublishEvent).Methods(http.MethodPost)
	rt.HandleFunc("/api/events/since", d.handleEventsSince).Methods(http.MethodGet)
	rt.HandleFunc("/api/events/stream", d.handleEventStream).Methods(http.MethodGet)
	rt.HandleFunc("/api/events/wait", d.handleWaitEvents).Methods(http.MethodGet)
	rt.HandleFunc("/api/monitor/ws", d.Monitor.HandleWS)

	rt.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	})
	rt.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})
	return rt
}

func withCORS(cfg config.Config, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", cfg.CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, Sec-WebSocket-Protocol")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
