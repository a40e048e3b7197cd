package httpapi

import (
	"encoding/json"
	"net/http"

	"device-relay/internal/usecase"
)

type streamSettingsDTO struct {
	FPS     *int `json:"fps,omitempty"`
	MaxSize *int `json:"maxSize,omitempty"`
	BitRate *int `json:"bitRate,omitempty"`
}

type settingsDTO struct {
	Stream    usecase.StreamDefaults `json:"stream"`
	Recording struct {
		DefaultFPS int `json:"defaultFps"`
	} `json:"recording"`
}

// handleSettings reads or patches the defaults used for new device streams.
// Streams that are already running keep their settings.
func (d *Deps) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var in struct {
			Stream streamSettingsDTO `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid json", nil)
			return
		}
		cur := d.Svc.StreamDefaults()
		if v := in.Stream.FPS; v != nil {
			if *v < 1 || *v > 60 {
				writeError(w, http.StatusBadRequest, "INVALID_FPS", "fps must be between 1 and 60", nil)
				return
			}
			cur.FPS = *v
		}
		if v := in.Stream.MaxSize; v != nil {
			if *v < 0 {
				writeError(w, http.StatusBadRequest, "INVALID_MAX_SIZE", "maxSize must not be negative", nil)
				return
			}
			cur.MaxSize = *v
		}
		if v := in.Stream.BitRate; v != nil {
			if *v <= 0 {
				writeError(w, http.StatusBadRequest, "INVALID_BIT_RATE", "bitRate must be positive", nil)
				return
			}
			cur.BitRate = *v
		}
		d.Svc.SetStreamDefaults(cur)
	}
	var out settingsDTO
	out.Stream = d.Svc.StreamDefaults()
	out.Recording.DefaultFPS = d.Cfg.RecordingDefaultFPS
	writeJSON(w, http.StatusOK, out)
}
