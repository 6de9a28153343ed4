package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/studyhall/recap/internal/capture"
	"github.com/studyhall/recap/internal/session"
)

// maxChunkBytes bounds one pushed audio chunk.
const maxChunkBytes = 16 << 20

// SessionsHandler exposes the capture session control plane. The client owns
// the microphone; it starts a session, streams encoded chunks and amplitude
// windows, and drives pause/resume/stop.
type SessionsHandler struct {
	mgr *session.Manager
	log zerolog.Logger
}

func NewSessionsHandler(mgr *session.Manager, log zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{mgr: mgr, log: log}
}

func (h *SessionsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.start)
	r.Get("/{id}", h.get)
	r.Post("/{id}/chunks", h.pushChunk)
	r.Post("/{id}/levels", h.pushLevels)
	r.Post("/{id}/pause", h.pause)
	r.Post("/{id}/resume", h.resume)
	r.Post("/{id}/stop", h.stop)
	r.Post("/{id}/error", h.deviceError)
	return r
}

type startSessionRequest struct {
	OwnerID        string   `json:"owner_id"`
	SubjectID      string   `json:"subject_id"`
	ContainerTypes []string `json:"container_types"`
}

type sessionResponse struct {
	ID          string  `json:"id"`
	State       string  `json:"state"`
	ContentType string  `json:"content_type,omitempty"`
	ElapsedMS   int64   `json:"elapsed_ms"`
	Level       float64 `json:"level"`
}

func sessionView(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:          s.ID,
		State:       s.State().String(),
		ContentType: s.ContentType(),
		ElapsedMS:   s.Elapsed().Milliseconds(),
		Level:       s.Level(),
	}
}

func (h *SessionsHandler) start(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" {
		WriteError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if len(req.ContainerTypes) == 0 {
		WriteError(w, http.StatusBadRequest, "container_types is required")
		return
	}

	s, err := h.mgr.StartSession(r.Context(), req.OwnerID, req.SubjectID, req.ContainerTypes)
	if err != nil {
		WriteErrorDetail(w, captureStatus(err), "could not start recording", session.FailureMessage(err))
		return
	}
	WriteJSON(w, http.StatusCreated, sessionView(s))
}

func (h *SessionsHandler) get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mgr.Session(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, sessionView(s))
}

func (h *SessionsHandler) pushChunk(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mgr.Session(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "chunk too large")
		return
	}
	if len(data) == 0 {
		WriteError(w, http.StatusBadRequest, "empty chunk")
		return
	}
	accepted := s.PushChunk(data)
	WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

func (h *SessionsHandler) pushLevels(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mgr.Session(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	window, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "window too large")
		return
	}
	s.PushWindow(window)
	WriteJSON(w, http.StatusOK, map[string]any{"level": s.Level()})
}

func (h *SessionsHandler) pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(s *session.Session) error { return s.Pause() })
}

func (h *SessionsHandler) resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(s *session.Session) error { return s.Resume() })
}

func (h *SessionsHandler) transition(w http.ResponseWriter, r *http.Request, op func(*session.Session) error) {
	s, ok := h.mgr.Session(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := op(s); err != nil {
		WriteError(w, captureStatus(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sessionView(s))
}

func (h *SessionsHandler) stop(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mgr.StopSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

type deviceErrorRequest struct {
	Kind string `json:"kind"`
}

func (h *SessionsHandler) deviceError(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mgr.Session(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	var req deviceErrorRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Kind {
	case "device_lost":
		s.ReportLost()
	default:
		WriteError(w, http.StatusBadRequest, "unknown error kind")
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"reported": req.Kind})
}

// captureStatus maps typed capture failures to HTTP statuses.
func captureStatus(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrDeviceNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, capture.ErrNoSupportedContainer):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}
