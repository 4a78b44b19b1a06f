package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pagecast/internal/auth"
)

type AuthHandler struct {
	Users *auth.Users
	JWT   *auth.JWT
}

type credentialsReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.Password) < 8 {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}

	u, err := h.Users.Register(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrEmailTaken) {
		http.Error(w, "email already used", http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.issue(w, r, http.StatusCreated, u.ID)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}

	u, err := h.Users.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.issue(w, r, http.StatusOK, u.ID)
}

func (h *AuthHandler) issue(w http.ResponseWriter, r *http.Request, status int, ownerID string) {
	token, err := h.JWT.Sign(ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, map[string]any{"token": token})
}
