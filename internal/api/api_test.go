package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyhall/recap/internal/config"
	"github.com/studyhall/recap/internal/database"
	"github.com/studyhall/recap/internal/session"
	"github.com/studyhall/recap/internal/storage"
	"github.com/studyhall/recap/internal/transcribe"
)

type memRecordStore struct {
	mu   sync.Mutex
	recs map[string]*database.Recording
	ids  []string
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{recs: make(map[string]*database.Recording)}
}

func (m *memRecordStore) CreateRecording(_ context.Context, r *database.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.recs[r.ID] = &cp
	m.ids = append(m.ids, r.ID)
	return nil
}

func (m *memRecordStore) GetRecording(_ context.Context, id string) (*database.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRecordStore) ListRecordings(_ context.Context, ownerID string, limit, offset int) ([]database.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Recording
	for _, id := range m.ids {
		if r, ok := m.recs[id]; ok && r.OwnerID == ownerID {
			out = append(out, *r)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRecordStore) SetDuration(_ context.Context, id string, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[id]; ok {
		r.DurationSeconds = &seconds
	}
	return nil
}

func (m *memRecordStore) MarkCompleted(_ context.Context, id, audioKey, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return database.ErrNotFound
	}
	r.Status = database.StatusCompleted
	r.AudioKey = &audioKey
	r.ContentType = &contentType
	return nil
}

func (m *memRecordStore) SetTranscript(_ context.Context, id, transcript string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[id]; ok {
		r.Transcript = &transcript
	}
	return nil
}

func (m *memRecordStore) DeleteRecording(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return database.ErrNotFound
	}
	delete(m.recs, id)
	return nil
}

type memAudioStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	urlBase string
}

func newMemAudioStore() *memAudioStore {
	return &memAudioStore{objects: make(map[string][]byte)}
}

func (m *memAudioStore) Save(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memAudioStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object %q", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memAudioStore) URL(_ context.Context, key string) (string, error) {
	if m.urlBase == "" {
		return "", nil
	}
	return m.urlBase + "/" + key, nil
}

func (m *memAudioStore) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memAudioStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memAudioStore) Type() string { return "mem" }

type stubTranscriber struct {
	mu      sync.Mutex
	outcome transcribe.Outcome
	calls   int
}

func (s *stubTranscriber) Transcribe(_ context.Context, _ transcribe.Request) (transcribe.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.outcome, nil
}

func (s *stubTranscriber) Cancel(string) {}

type stubPinger struct{ err error }

func (p stubPinger) HealthCheck(context.Context) error { return p.err }

type testEnv struct {
	srv   *httptest.Server
	store *memRecordStore
	audio *memAudioStore
	tr    *stubTranscriber
	mgr   *session.Manager
	bus   *session.EventBus
	token string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	store := newMemRecordStore()
	audio := newMemAudioStore()
	tr := &stubTranscriber{outcome: transcribe.Outcome{
		Kind: transcribe.OutcomeSuccess, Text: "lecture notes", Provider: "whisper", Model: "base",
	}}
	bus := session.NewEventBus(64)
	mgr := session.NewManager(session.ManagerOptions{
		Store:       store,
		Artifacts:   storage.NewUploader(audio, time.Second, zerolog.Nop()),
		Transcriber: tr,
		Bus:         bus,
		Log:         zerolog.Nop(),
	})

	router := NewRouter(ServerOptions{
		Config:    &config.Config{AuthToken: token},
		Manager:   mgr,
		Store:     store,
		Audio:     audio,
		Bus:       bus,
		DB:        stubPinger{},
		Version:   "test",
		StartTime: time.Now(),
		Log:       zerolog.Nop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(mgr.Stop)
	return &testEnv{srv: srv, store: store, audio: audio, tr: tr, mgr: mgr, bus: bus, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (e *testEnv) postJSON(t *testing.T, path string, v any) (*http.Response, []byte) {
	t.Helper()
	body, _ := json.Marshal(v)
	return e.do(t, http.MethodPost, path, "application/json", body)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, "")

	resp, body := e.postJSON(t, "/api/v1/sessions", map[string]any{
		"owner_id":        "alice",
		"subject_id":      "biology",
		"container_types": []string{"audio/webm;codecs=opus"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", resp.StatusCode, body)
	}
	var sess sessionResponse
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.State != "recording" {
		t.Errorf("state = %q, want recording", sess.State)
	}
	if sess.ContentType != "audio/webm;codecs=opus" {
		t.Errorf("content type = %q", sess.ContentType)
	}

	base := "/api/v1/sessions/" + sess.ID
	resp, body = e.do(t, http.MethodPost, base+"/chunks", "application/octet-stream", []byte("chunk-1"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("chunk status = %d, body %s", resp.StatusCode, body)
	}

	resp, _ = e.postJSON(t, base+"/pause", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	// Chunks pushed while paused are dropped.
	_, body = e.do(t, http.MethodPost, base+"/chunks", "application/octet-stream", []byte("ignored"))
	var pushResp struct {
		Accepted bool `json:"accepted"`
	}
	json.Unmarshal(body, &pushResp)
	if pushResp.Accepted {
		t.Error("chunk accepted while paused")
	}

	resp, _ = e.postJSON(t, base+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	e.do(t, http.MethodPost, base+"/chunks", "application/octet-stream", []byte("chunk-2"))

	resp, body = e.postJSON(t, base+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", resp.StatusCode, body)
	}
	var rec database.Recording
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("decode recording: %v", err)
	}
	if rec.Status != database.StatusCompleted {
		t.Errorf("status = %q, want completed", rec.Status)
	}
	if rec.AudioKey == nil {
		t.Fatal("audio key not set after stop")
	}
	if got := string(e.audio.objects[*rec.AudioKey]); got != "chunk-1chunk-2" {
		t.Errorf("stored audio = %q, want %q", got, "chunk-1chunk-2")
	}

	// Transcription runs async after stop.
	waitFor(t, func() bool {
		r, err := e.store.GetRecording(context.Background(), sess.ID)
		return err == nil && r.Transcript != nil
	})
	final, _ := e.store.GetRecording(context.Background(), sess.ID)
	if *final.Transcript != "lecture notes" {
		t.Errorf("transcript = %q", *final.Transcript)
	}

	// Audio playback streams the stored artifact.
	resp, body = e.do(t, http.MethodGet, "/api/v1/recordings/"+sess.ID+"/audio", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audio status = %d", resp.StatusCode)
	}
	if string(body) != "chunk-1chunk-2" {
		t.Errorf("streamed audio = %q", body)
	}
}

func TestStartSessionValidation(t *testing.T) {
	e := newTestEnv(t, "")

	resp, _ := e.postJSON(t, "/api/v1/sessions", map[string]any{
		"container_types": []string{"audio/webm"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing owner_id status = %d, want 400", resp.StatusCode)
	}

	resp, _ = e.postJSON(t, "/api/v1/sessions", map[string]any{
		"owner_id":        "alice",
		"container_types": []string{"audio/flac"},
	})
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("unsupported container status = %d, want 415", resp.StatusCode)
	}
}

func TestPauseTwiceConflicts(t *testing.T) {
	e := newTestEnv(t, "")

	_, body := e.postJSON(t, "/api/v1/sessions", map[string]any{
		"owner_id":        "alice",
		"container_types": []string{"audio/webm"},
	})
	var sess sessionResponse
	json.Unmarshal(body, &sess)

	base := "/api/v1/sessions/" + sess.ID
	if resp, _ := e.postJSON(t, base+"/pause", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first pause status = %d", resp.StatusCode)
	}
	if resp, _ := e.postJSON(t, base+"/pause", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("second pause status = %d, want 409", resp.StatusCode)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	e := newTestEnv(t, "")
	for _, path := range []string{
		"/api/v1/sessions/nope/chunks",
		"/api/v1/sessions/nope/pause",
		"/api/v1/sessions/nope/stop",
	} {
		resp, _ := e.do(t, http.MethodPost, path, "application/octet-stream", []byte("x"))
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestListRecordings(t *testing.T) {
	e := newTestEnv(t, "")
	for i := 0; i < 3; i++ {
		e.store.CreateRecording(context.Background(), &database.Recording{
			ID: fmt.Sprintf("rec%d", i), OwnerID: "alice", Status: database.StatusCompleted,
		})
	}
	e.store.CreateRecording(context.Background(), &database.Recording{
		ID: "other", OwnerID: "bob", Status: database.StatusCompleted,
	})

	resp, _ := e.do(t, http.MethodGet, "/api/v1/recordings", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing owner_id status = %d, want 400", resp.StatusCode)
	}

	resp, body := e.do(t, http.MethodGet, "/api/v1/recordings?owner_id=alice&limit=2", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Recordings []database.Recording `json:"recordings"`
		Count      int                  `json:"count"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 2 {
		t.Errorf("count = %d, want 2", list.Count)
	}
	for _, r := range list.Recordings {
		if r.OwnerID != "alice" {
			t.Errorf("listed foreign recording %s", r.ID)
		}
	}
}

func TestRetranscribeEndpoint(t *testing.T) {
	e := newTestEnv(t, "")

	key, ct := "alice/rec1.webm", "audio/webm"
	e.store.CreateRecording(context.Background(), &database.Recording{
		ID: "rec1", OwnerID: "alice", Status: database.StatusCompleted,
		AudioKey: &key, ContentType: &ct,
	})
	e.audio.objects[key] = []byte("audio")

	resp, body := e.postJSON(t, "/api/v1/recordings/rec1/retranscribe", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retranscribe status = %d, body %s", resp.StatusCode, body)
	}
	var tr transcriptionResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Outcome != "success" || tr.Transcript != "lecture notes" {
		t.Errorf("got outcome %q transcript %q", tr.Outcome, tr.Transcript)
	}

	// Incomplete recordings cannot be re-transcribed.
	e.store.CreateRecording(context.Background(), &database.Recording{
		ID: "rec2", OwnerID: "alice", Status: database.StatusRecording,
	})
	resp, _ = e.postJSON(t, "/api/v1/recordings/rec2/retranscribe", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("incomplete retranscribe status = %d, want 409", resp.StatusCode)
	}

	resp, _ = e.postJSON(t, "/api/v1/recordings/missing/retranscribe", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing retranscribe status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteRecordingReleasesAudio(t *testing.T) {
	e := newTestEnv(t, "")

	key, ct := "alice/rec1.webm", "audio/webm"
	e.store.CreateRecording(context.Background(), &database.Recording{
		ID: "rec1", OwnerID: "alice", Status: database.StatusCompleted,
		AudioKey: &key, ContentType: &ct,
	})
	e.audio.objects[key] = []byte("audio")

	resp, _ := e.do(t, http.MethodDelete, "/api/v1/recordings/rec1", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if e.audio.Exists(context.Background(), key) {
		t.Error("stored audio not released")
	}
	resp, _ = e.do(t, http.MethodDelete, "/api/v1/recordings/rec1", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	e := newTestEnv(t, "sekrit")

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/recordings?owner_id=a", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Health stays open.
	resp, err = http.Get(e.srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	// Query-param token works for EventSource clients.
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	req, _ = http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/v1/events/stream?token=sekrit", nil)
	req.Header.Set("Last-Event-ID", "0")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stream status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t, "")
	resp, body := e.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var h HealthResponse
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "healthy" {
		t.Errorf("status = %q, want healthy", h.Status)
	}
	if h.Checks["database"] != "ok" || h.Checks["mqtt"] != "not_configured" {
		t.Errorf("checks = %v", h.Checks)
	}
}

func TestEventStreamReplay(t *testing.T) {
	e := newTestEnv(t, "")

	e.bus.Publish(session.EventState, "rec1", map[string]any{"state": "recording"})
	first := e.bus.ReplaySince("", session.EventFilter{})
	if len(first) != 1 {
		t.Fatalf("seed events = %d", len(first))
	}
	e.bus.Publish(session.EventCompleted, "rec1", map[string]any{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/v1/events/stream", nil)
	req.Header.Set("Last-Event-ID", first[0].ID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	if !bytes.Contains(buf[:n], []byte("event: completed")) {
		t.Errorf("replay body = %q, want completed event", buf[:n])
	}
}
