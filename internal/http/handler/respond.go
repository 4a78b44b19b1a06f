package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"pagecast/internal/jobs"
	"pagecast/internal/logger"

	"gorm.io/gorm"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to plain-text HTTP errors.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, jobs.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, jobs.ErrDuplicateRequest):
		http.Error(w, "duplicate request", http.StatusConflict)
	case errors.Is(err, jobs.ErrTerminal):
		http.Error(w, "job already finished", http.StatusConflict)
	case errors.Is(err, jobs.ErrConflict):
		http.Error(w, "job is busy, retry", http.StatusConflict)
	default:
		logger.FromContext(r.Context()).WithError(err).Error("request failed")
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}
