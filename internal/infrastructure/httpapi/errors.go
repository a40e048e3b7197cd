package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"device-relay/internal/eventbus"
	"device-relay/internal/recording"
	"device-relay/internal/usecase"
)

type apiErrorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string, message string, details interface{}) {
	if code == "" {
		code = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorBody{Error: apiError{Code: code, Message: message, Details: details}})
}

// writeDomainError maps package sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, usecase.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "DEVICE_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, usecase.ErrScreenshotEvicted):
		writeError(w, http.StatusGone, "SCREENSHOT_EVICTED", err.Error(), nil)
	case errors.Is(err, recording.ErrNotFound):
		writeError(w, http.StatusNotFound, "RECORDING_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, recording.ErrInvalidFPS):
		writeError(w, http.StatusBadRequest, "INVALID_FPS", err.Error(), nil)
	case errors.Is(err, recording.ErrNotRecording):
		writeError(w, http.StatusConflict, "RECORDING_STOPPED", err.Error(), nil)
	case errors.Is(err, eventbus.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}
