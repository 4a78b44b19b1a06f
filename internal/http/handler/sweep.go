package handler

import (
	"crypto/subtle"
	"net/http"

	"pagecast/internal/jobs"
)

// SweepHandler lets an external scheduler trigger the due-job sweep. It is
// disabled when no secret is configured.
type SweepHandler struct {
	Svc    *jobs.Service
	Secret string
}

func (h *SweepHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Sweep-Secret")
	if h.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rep, err := h.Svc.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
