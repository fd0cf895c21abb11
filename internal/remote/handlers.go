package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Faults controls injected failures. Mutating requests fail with 503 with
// probability FailRate; every request is delayed by Latency.
type Faults struct {
	FailRate float64
	Latency  time.Duration
}

// Handler serves the entry endpoints.
type Handler struct {
	store  *Store
	faults Faults

	mu       sync.Mutex
	rnd      *rand.Rand
	failNext int
}

// NewHandler creates a handler over store.
func NewHandler(store *Store, faults Faults) *Handler {
	return &Handler{
		store:  store,
		faults: faults,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FailNext makes the next n mutating requests fail with 503 regardless of FailRate.
func (h *Handler) FailNext(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNext = n
}

// shouldFail decides whether a mutating request gets an injected 503.
func (h *Handler) shouldFail() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext > 0 {
		h.failNext--
		return true
	}
	return h.faults.FailRate > 0 && h.rnd.Float64() < h.faults.FailRate
}

// Health returns 200 with a static body.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateEntry handles POST /api/v1/entries.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	e, err := h.store.Create(fields)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// GetEntry handles GET /api/v1/entries/{id}.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	e, err := h.store.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// UpdateEntry handles PATCH /api/v1/entries/{id}.
func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	e, err := h.store.Update(id, fields)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DeleteEntry handles DELETE /api/v1/entries/{id}.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopEntry handles POST /api/v1/entries/{id}/stop.
func (h *Handler) StopEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	e, err := h.store.Stop(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeProblem(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	fields := map[string]any{}
	if r.ContentLength == 0 {
		return fields, true
	}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return fields, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeProblem(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidField):
		writeProblem(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotRunning):
		writeProblem(w, http.StatusConflict, err.Error())
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeProblem(w, http.StatusInternalServerError, "internal error")
	}
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
