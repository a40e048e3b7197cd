package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type startRecordingRequest struct {
	DeviceID  string `json:"deviceId"`
	FPS       int    `json:"fps"`
	SessionID string `json:"sessionId"`
}

func (d *Deps) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "DEVICE_REQUIRED", "deviceId is required", nil)
		return
	}
	if req.FPS == 0 {
		req.FPS = d.Cfg.RecordingDefaultFPS
	}
	rec, err := d.Svc.StartRecording(r.Context(), req.DeviceID, req.FPS, req.SessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (d *Deps) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	items := d.Svc.ListRecordings(r.Context(), r.URL.Query().Get("sessionId"))
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (d *Deps) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, ok := d.Svc.GetRecording(r.Context(), mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "RECORDING_NOT_FOUND", "recording not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (d *Deps) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := d.Svc.StopRecording(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (d *Deps) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := d.Svc.DeleteRecording(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Deps) handleRecordingFrames(w http.ResponseWriter, r *http.Request) {
	frames, err := d.Svc.ListRecordingFrames(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": frames, "total": len(frames)})
}

// handleRecordingFrame serves the image visible at ?t=<ms> (freeze-frame).
func (d *Deps) handleRecordingFrame(w http.ResponseWriter, r *http.Request) {
	t, err := strconv.ParseInt(r.URL.Query().Get("t"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_TIMESTAMP", "t must be milliseconds from recording start", nil)
		return
	}
	data, frame, ok, err := d.Svc.RecordingFrameImage(r.Context(), mux.Vars(r)["id"], t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "FRAME_NOT_FOUND", "recording has no frames", nil)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("X-Frame-Timestamp-Ms", strconv.FormatInt(frame.TimestampMs, 10))
	w.Header().Set("X-Frame-Id", frame.ID)
	_, _ = w.Write(data)
}
