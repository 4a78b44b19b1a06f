package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"pagecast/internal/auth"
	"pagecast/internal/contacts"
)

const maxImport = 5000

type ContactHandler struct {
	Dir *contacts.Directory
}

type contactReq struct {
	ID     string `json:"id"`
	PageID string `json:"page_id"`
	PSID   string `json:"psid"`
	Name   string `json:"name"`
}

// Import stores a batch of the owner's contacts.
func (h *ContactHandler) Import(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.OwnerIDFromContext(r.Context())

	var req []contactReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req) == 0 || len(req) > maxImport {
		http.Error(w, "between 1 and 5000 contacts required", http.StatusBadRequest)
		return
	}

	// a repeated id in one batch keeps its last row
	cs := make([]contacts.Contact, 0, len(req))
	at := make(map[string]int, len(req))
	for _, c := range req {
		c.ID = strings.TrimSpace(c.ID)
		c.PageID = strings.TrimSpace(c.PageID)
		if c.ID == "" || c.PageID == "" {
			http.Error(w, "id and page_id required", http.StatusBadRequest)
			return
		}
		contact := contacts.Contact{
			ID:      c.ID,
			OwnerID: uid,
			PageID:  c.PageID,
			PSID:    strings.TrimSpace(c.PSID),
			Name:    strings.TrimSpace(c.Name),
		}
		if i, ok := at[c.ID]; ok {
			cs[i] = contact
			continue
		}
		at[c.ID] = len(cs)
		cs = append(cs, contact)
	}
	if err := h.Dir.Create(r.Context(), cs...); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"imported": len(cs)})
}
