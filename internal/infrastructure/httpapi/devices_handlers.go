package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"device-relay/internal/domain"
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	WriteBufferSize: 64 << 10,
}

func (d *Deps) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := d.Svc.ListDevices(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"items": devices, "total": len(devices)})
}

// handleScreenshot serves a single capture in the bridge's native format.
func (d *Deps) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hint := domain.ParsePlatform(r.URL.Query().Get("platform"))
	data, err := d.Svc.Capture(r.Context(), id, hint)
	if err != nil {
		d.Logger.Warn().Err(err).Str("device", id).Msg("screenshot failed")
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// handleDeviceStream relays the live screen over a WebSocket. Every binary
// message is exactly one complete JPEG.
// Path: /api/devices/{id}/stream
func (d *Deps) handleDeviceStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hint := domain.ParsePlatform(r.URL.Query().Get("platform"))

	frames, leave, err := d.Streams.Join(r.Context(), id, hint)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer leave()

	c, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()
	logger := d.Logger.With().Str("device", id).Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("stream viewer connected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			// keepalive reads to detect viewer close
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			logger.Info().Msg("stream viewer disconnected")
			return
		case f, ok := <-frames:
			if !ok {
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
					time.Now().Add(time.Second))
				return
			}
			_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
				logger.Debug().Err(err).Uint64("seq", f.Seq).Msg("stream write failed")
				return
			}
		}
	}
}
