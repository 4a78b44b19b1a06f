package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pagecast/internal/auth"
	"pagecast/internal/jobs"

	"github.com/go-chi/chi/v5"
)

type BroadcastHandler struct {
	Svc *jobs.Service
}

type broadcastReq struct {
	ContactIDs   []json.RawMessage `json:"contact_ids"`
	Message      string            `json:"message"`
	Attachment   *attachmentReq    `json:"attachment"`
	Tag          string            `json:"tag"`
	ScheduledFor *string           `json:"scheduled_for"` // RFC3339
}

type attachmentReq struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

func (h *BroadcastHandler) decode(w http.ResponseWriter, r *http.Request) (jobs.CreateInput, bool) {
	uid, _ := auth.OwnerIDFromContext(r.Context())

	var req broadcastReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return jobs.CreateInput{}, false
	}

	in := jobs.CreateInput{
		OwnerID:        uid,
		ContactIDs:     req.ContactIDs,
		Message:        req.Message,
		Tag:            strings.TrimSpace(req.Tag),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if a := req.Attachment; a != nil && strings.TrimSpace(a.URL) != "" {
		in.Attachment = &jobs.Attachment{URL: strings.TrimSpace(a.URL), Type: a.Type}
	}
	if req.ScheduledFor != nil && strings.TrimSpace(*req.ScheduledFor) != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ScheduledFor))
		if err != nil {
			http.Error(w, "invalid scheduled_for (RFC3339)", http.StatusBadRequest)
			return jobs.CreateInput{}, false
		}
		in.ScheduledFor = &t
	}
	return in, true
}

// Create stores an immediate broadcast and starts it in the background; the
// caller polls Get for progress.
func (h *BroadcastHandler) Create(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	job, err := h.Svc.CreateImmediate(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": job.ID, "status": job.Status})
}

func (h *BroadcastHandler) CreateScheduled(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	job, err := h.Svc.CreateScheduled(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            job.ID,
		"status":        job.Status,
		"scheduled_for": job.ScheduledFor,
	})
}

func (h *BroadcastHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.OwnerIDFromContext(r.Context())

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list, err := h.Svc.List(r.Context(), uid, jobs.ListFilter{
		Kind:   jobs.Kind(q.Get("kind")),
		Status: jobs.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (h *BroadcastHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.OwnerIDFromContext(r.Context())
	job, err := h.Svc.Get(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Advance runs one execution of the job within this request and reports its
// result with the job's state afterwards.
func (h *BroadcastHandler) Advance(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.OwnerIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	res, err := h.Svc.Advance(r.Context(), uid, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.Svc.Get(context.WithoutCancel(r.Context()), uid, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "job": job})
}

func (h *BroadcastHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Svc.Cancel)
}

func (h *BroadcastHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Svc.Pause)
}

func (h *BroadcastHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Svc.Resume)
}

func (h *BroadcastHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, ownerID, id string) (*jobs.Job, error)) {
	uid, _ := auth.OwnerIDFromContext(r.Context())
	job, err := fn(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "status": job.Status})
}
