package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/studyhall/recap/internal/database"
	"github.com/studyhall/recap/internal/session"
	"github.com/studyhall/recap/internal/storage"
	"github.com/studyhall/recap/internal/transcribe"
)

// RecordingStore is the read side of recording persistence.
type RecordingStore interface {
	GetRecording(ctx context.Context, id string) (*database.Recording, error)
	ListRecordings(ctx context.Context, ownerID string, limit, offset int) ([]database.Recording, error)
}

// RecordingsHandler serves stored recordings: listing, playback access,
// deletion and re-transcription.
type RecordingsHandler struct {
	store RecordingStore
	audio storage.AudioStore
	mgr   *session.Manager
	log   zerolog.Logger
}

func NewRecordingsHandler(store RecordingStore, audio storage.AudioStore, mgr *session.Manager, log zerolog.Logger) *RecordingsHandler {
	return &RecordingsHandler{store: store, audio: audio, mgr: mgr, log: log}
}

func (h *RecordingsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Get("/{id}/audio", h.getAudio)
	r.Delete("/{id}", h.delete)
	r.Post("/{id}/retranscribe", h.retranscribe)
	return r
}

func (h *RecordingsHandler) list(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		WriteError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.store.ListRecordings(r.Context(), ownerID, p.Limit, p.Offset)
	if err != nil {
		h.log.Error().Err(err).Msg("list recordings failed")
		WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"recordings": recs,
		"count":      len(recs),
		"limit":      p.Limit,
		"offset":     p.Offset,
	})
}

func (h *RecordingsHandler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetRecording(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// getAudio serves the stored artifact: a redirect to a presigned URL when
// the backing store provides one, a direct stream otherwise.
func (h *RecordingsHandler) getAudio(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetRecording(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rec.AudioKey == nil {
		WriteError(w, http.StatusNotFound, "recording has no stored audio")
		return
	}

	if url, err := h.audio.URL(r.Context(), *rec.AudioKey); err == nil && url != "" {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	rc, err := h.audio.Open(r.Context(), *rec.AudioKey)
	if err != nil {
		h.log.Error().Err(err).Str("key", *rec.AudioKey).Msg("open stored audio failed")
		WriteError(w, http.StatusNotFound, "stored audio unavailable")
		return
	}
	defer rc.Close()
	if rec.ContentType != nil {
		w.Header().Set("Content-Type", *rec.ContentType)
	}
	io.Copy(w, rc)
}

func (h *RecordingsHandler) delete(w http.ResponseWriter, r *http.Request) {
	err := h.mgr.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("delete recording failed")
		WriteError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transcriptionResponse struct {
	Outcome    string `json:"outcome"`
	Transcript string `json:"transcript,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (h *RecordingsHandler) retranscribe(w http.ResponseWriter, r *http.Request) {
	out, err := h.mgr.Retranscribe(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, database.ErrNotFound):
		WriteError(w, http.StatusNotFound, "recording not found")
		return
	case errors.Is(err, session.ErrNoStoredAudio):
		WriteError(w, http.StatusConflict, "recording has no stored audio")
		return
	case errors.Is(err, transcribe.ErrInFlight):
		WriteError(w, http.StatusConflict, "a transcription is already running for this recording")
		return
	case err != nil:
		h.log.Error().Err(err).Msg("retranscribe failed")
		WriteError(w, http.StatusInternalServerError, "retranscribe failed")
		return
	}

	resp := transcriptionResponse{
		Outcome:  out.Kind.String(),
		Provider: out.Provider,
		Model:    out.Model,
	}
	switch out.Kind {
	case transcribe.OutcomeSuccess:
		resp.Transcript = out.Text
	case transcribe.OutcomeFailed:
		if out.Err != nil {
			resp.Error = out.Err.Error()
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}
