package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"pagecast/internal/auth"
)

type MeHandler struct {
	Users *auth.Users
}

func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.OwnerIDFromContext(r.Context())
	tok, err := h.Users.ProviderToken(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":            uid,
		"has_provider_token": tok != "",
	})
}

type providerTokenReq struct {
	Token string `json:"token"`
}

// SetProviderToken stores the owner's long-lived provider credential, used to
// refresh page tokens when a page has none stored.
func (h *MeHandler) SetProviderToken(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.OwnerIDFromContext(r.Context())

	var req providerTokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	if err := h.Users.SetProviderToken(r.Context(), uid, req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
