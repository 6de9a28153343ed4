package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyhall/recap/internal/database"
	"github.com/studyhall/recap/internal/storage"
	"github.com/studyhall/recap/internal/transcribe"
)

type fakeStore struct {
	mu   sync.Mutex
	recs map[string]*database.Recording
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: make(map[string]*database.Recording)}
}

func (f *fakeStore) CreateRecording(_ context.Context, r *database.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.recs[r.ID] = &cp
	return nil
}

func (f *fakeStore) GetRecording(_ context.Context, id string) (*database.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) SetDuration(_ context.Context, id string, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.recs[id]; ok {
		r.DurationSeconds = &seconds
	}
	return nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id, audioKey, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok {
		return database.ErrNotFound
	}
	r.Status = database.StatusCompleted
	r.AudioKey = &audioKey
	r.ContentType = &contentType
	return nil
}

func (f *fakeStore) SetTranscript(_ context.Context, id, transcript string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.recs[id]; ok {
		r.Transcript = &transcript
	}
	return nil
}

func (f *fakeStore) DeleteRecording(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[id]; !ok {
		return database.ErrNotFound
	}
	delete(f.recs, id)
	return nil
}

type fakeArtifacts struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	released  []string
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string][]byte)}
}

func (f *fakeArtifacts) Upload(_ context.Context, key string, data []byte, contentType string) (storage.ArtifactRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return storage.ArtifactRef{}, f.uploadErr
	}
	f.objects[key] = append([]byte(nil), data...)
	return storage.ArtifactRef{Key: key, URL: "https://store.example/" + key, ContentType: contentType, Size: len(data)}, nil
}

func (f *fakeArtifacts) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, key)
	delete(f.objects, key)
	return nil
}

type fakeTranscriber struct {
	mu        sync.Mutex
	outcome   transcribe.Outcome
	err       error
	reqs      []transcribe.Request
	cancelled []string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, req transcribe.Request) (transcribe.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.outcome, f.err
}

func (f *fakeTranscriber) Cancel(recordingID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, recordingID)
}

func (f *fakeTranscriber) calls() []transcribe.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcribe.Request(nil), f.reqs...)
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakeArtifacts, *fakeTranscriber) {
	t.Helper()
	store := newFakeStore()
	arts := newFakeArtifacts()
	tr := &fakeTranscriber{outcome: transcribe.Outcome{
		Kind: transcribe.OutcomeSuccess, Text: "hello world", Provider: "whisper", Model: "base",
	}}
	m := NewManager(ManagerOptions{
		Store:       store,
		Artifacts:   arts,
		Transcriber: tr,
		Bus:         NewEventBus(64),
		Log:         zerolog.Nop(),
	})
	return m, store, arts, tr
}

var webmOnly = []string{"audio/webm;codecs=opus"}

func TestStopPipelineCompletesRecording(t *testing.T) {
	m, store, arts, tr := newTestManager(t)

	s, err := m.StartSession(context.Background(), "alice", "math", webmOnly)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s.PushChunk([]byte("aaa"))
	s.PushChunk([]byte("bbb"))

	rec, err := m.StopSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	m.Stop() // wait for the transcription goroutine

	if rec.Status != database.StatusCompleted {
		t.Errorf("status = %q, want %q", rec.Status, database.StatusCompleted)
	}
	if rec.AudioKey == nil {
		t.Fatal("audio key not set")
	}
	wantKey := "alice/" + s.ID + ".webm"
	if *rec.AudioKey != wantKey {
		t.Errorf("audio key = %q, want %q", *rec.AudioKey, wantKey)
	}
	if got := string(arts.objects[wantKey]); got != "aaabbb" {
		t.Errorf("stored audio = %q, want %q", got, "aaabbb")
	}
	if len(tr.calls()) != 1 {
		t.Fatalf("transcriber calls = %d, want 1", len(tr.calls()))
	}
	if tr.calls()[0].Audio == nil {
		t.Error("fresh stop should transcribe from the in-memory artifact")
	}

	final, _ := store.GetRecording(context.Background(), s.ID)
	if final.Transcript == nil || *final.Transcript != "hello world" {
		t.Errorf("transcript = %v, want %q", final.Transcript, "hello world")
	}
}

func TestUploadFailureLeavesStatusAndSkipsTranscription(t *testing.T) {
	m, store, arts, tr := newTestManager(t)
	arts.uploadErr = errors.New("bucket unreachable")

	events, cancel := m.bus.Subscribe(EventFilter{Types: []string{EventUploadFailed}})
	defer cancel()

	s, err := m.StartSession(context.Background(), "alice", "", webmOnly)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s.PushChunk([]byte("audio"))

	rec, err := m.StopSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	m.Stop()

	if rec.Status != database.StatusRecording {
		t.Errorf("status = %q, want unchanged %q", rec.Status, database.StatusRecording)
	}
	if rec.AudioKey != nil {
		t.Error("audio key set despite failed upload")
	}
	if n := len(tr.calls()); n != 0 {
		t.Errorf("transcriber calls = %d, want 0 after failed upload", n)
	}
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Error("no upload_failed event published")
	}

	// The row survives for a fresh attempt.
	if _, err := store.GetRecording(context.Background(), s.ID); err != nil {
		t.Errorf("recording gone after failed upload: %v", err)
	}
}

func TestNoSpeechLeavesTranscriptNull(t *testing.T) {
	m, store, _, tr := newTestManager(t)
	tr.outcome = transcribe.Outcome{Kind: transcribe.OutcomeNoSpeech, Provider: "whisper", Model: "base"}

	s, err := m.StartSession(context.Background(), "alice", "", webmOnly)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s.PushChunk([]byte("silence"))
	if _, err := m.StopSession(context.Background(), s.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	m.Stop()

	rec, _ := store.GetRecording(context.Background(), s.ID)
	if rec.Status != database.StatusCompleted {
		t.Errorf("status = %q, want %q", rec.Status, database.StatusCompleted)
	}
	if rec.Transcript != nil {
		t.Errorf("transcript = %q, want unset for no-speech", *rec.Transcript)
	}
}

func TestRetranscribeOverwritesTranscript(t *testing.T) {
	m, store, _, tr := newTestManager(t)

	key, ct, old := "alice/rec1.webm", "audio/webm", "first pass"
	store.recs["rec1"] = &database.Recording{
		ID: "rec1", OwnerID: "alice", Status: database.StatusCompleted,
		AudioKey: &key, ContentType: &ct, Transcript: &old,
	}
	tr.outcome = transcribe.Outcome{Kind: transcribe.OutcomeSuccess, Text: "second pass", Provider: "whisper", Model: "base"}

	out, err := m.Retranscribe(context.Background(), "rec1")
	if err != nil {
		t.Fatalf("Retranscribe: %v", err)
	}
	if out.Kind != transcribe.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", out.Kind)
	}

	calls := tr.calls()
	if len(calls) != 1 {
		t.Fatalf("transcriber calls = %d, want 1", len(calls))
	}
	if calls[0].Audio != nil || calls[0].Key != key {
		t.Errorf("retranscribe should fetch by key %q, got audio=%v key=%q", key, calls[0].Audio, calls[0].Key)
	}

	rec, _ := store.GetRecording(context.Background(), "rec1")
	if rec.Transcript == nil || *rec.Transcript != "second pass" {
		t.Errorf("transcript = %v, want %q", rec.Transcript, "second pass")
	}
}

func TestRetranscribeFailureKeepsPriorTranscript(t *testing.T) {
	m, store, _, tr := newTestManager(t)

	key, ct, old := "alice/rec1.webm", "audio/webm", "first pass"
	store.recs["rec1"] = &database.Recording{
		ID: "rec1", OwnerID: "alice", Status: database.StatusCompleted,
		AudioKey: &key, ContentType: &ct, Transcript: &old,
	}
	tr.outcome = transcribe.Outcome{Kind: transcribe.OutcomeFailed, Err: errors.New("boom")}

	out, err := m.Retranscribe(context.Background(), "rec1")
	if err != nil {
		t.Fatalf("Retranscribe: %v", err)
	}
	if out.Kind != transcribe.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out.Kind)
	}
	rec, _ := store.GetRecording(context.Background(), "rec1")
	if rec.Transcript == nil || *rec.Transcript != "first pass" {
		t.Errorf("transcript = %v, want prior %q kept", rec.Transcript, "first pass")
	}
}

func TestRetranscribeRequiresStoredAudio(t *testing.T) {
	m, store, _, tr := newTestManager(t)
	store.recs["rec1"] = &database.Recording{ID: "rec1", OwnerID: "alice", Status: database.StatusRecording}

	if _, err := m.Retranscribe(context.Background(), "rec1"); !errors.Is(err, ErrNoStoredAudio) {
		t.Errorf("err = %v, want ErrNoStoredAudio", err)
	}
	if n := len(tr.calls()); n != 0 {
		t.Errorf("transcriber calls = %d, want 0", n)
	}
}

func TestDeleteCancelsAndReleasesAudio(t *testing.T) {
	m, store, arts, tr := newTestManager(t)

	key, ct := "alice/rec1.webm", "audio/webm"
	store.recs["rec1"] = &database.Recording{
		ID: "rec1", OwnerID: "alice", Status: database.StatusCompleted,
		AudioKey: &key, ContentType: &ct,
	}
	arts.objects[key] = []byte("audio")

	if err := m.Delete(context.Background(), "rec1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetRecording(context.Background(), "rec1"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("recording still present after delete: %v", err)
	}
	if len(arts.released) != 1 || arts.released[0] != key {
		t.Errorf("released = %v, want [%s]", arts.released, key)
	}
	if len(tr.cancelled) != 1 || tr.cancelled[0] != "rec1" {
		t.Errorf("cancelled = %v, want [rec1]", tr.cancelled)
	}
}

func TestDeleteLiveSessionDiscardsArtifact(t *testing.T) {
	m, store, arts, tr := newTestManager(t)

	s, err := m.StartSession(context.Background(), "alice", "", webmOnly)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s.PushChunk([]byte("audio"))

	if err := m.Delete(context.Background(), s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetRecording(context.Background(), s.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("recording still present after delete: %v", err)
	}
	if len(arts.objects) != 0 {
		t.Errorf("artifact uploaded for a deleted session: %v", arts.objects)
	}
	if n := len(tr.calls()); n != 0 {
		t.Errorf("transcriber calls = %d, want 0", n)
	}
	if _, ok := m.Session(s.ID); ok {
		t.Error("session still registered after delete")
	}
}

func TestStartFailurePersistsNothing(t *testing.T) {
	m, store, _, _ := newTestManager(t)

	_, err := m.StartSession(context.Background(), "alice", "", []string{"audio/flac"})
	if err == nil {
		t.Fatal("expected start failure for unsupported container")
	}
	store.mu.Lock()
	n := len(store.recs)
	store.mu.Unlock()
	if n != 0 {
		t.Errorf("recordings persisted = %d, want 0", n)
	}
}

func TestStopUnknownSession(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if _, err := m.StopSession(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}
