package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/practice"
)

type errorBody struct {
	Error      string               `json:"error"`
	Evaluation *practice.Evaluation `json:"evaluation,omitempty"`
}

// StatusFor maps an error from the core to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, practice.ErrAudioTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, practice.ErrScenarioUnavailable),
		errors.Is(err, practice.ErrClockDrift),
		errors.Is(err, practice.ErrInvalidSequence):
		return http.StatusUnprocessableEntity
	case errors.Is(err, practice.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, practice.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, practice.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, practice.ErrCapacity):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
