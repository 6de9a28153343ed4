package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/studyhall/recap/internal/capture"
	"github.com/studyhall/recap/internal/database"
	"github.com/studyhall/recap/internal/metrics"
	"github.com/studyhall/recap/internal/storage"
	"github.com/studyhall/recap/internal/transcribe"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown or already
	// finished session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoStoredAudio is returned when re-transcription is requested for a
	// recording that never completed an upload.
	ErrNoStoredAudio = errors.New("recording has no stored audio")
)

const finalizeTimeout = 30 * time.Second

// RecordStore is the persistence contract the pipeline needs.
type RecordStore interface {
	CreateRecording(ctx context.Context, r *database.Recording) error
	GetRecording(ctx context.Context, id string) (*database.Recording, error)
	SetDuration(ctx context.Context, id string, seconds int) error
	MarkCompleted(ctx context.Context, id, audioKey, contentType string) error
	SetTranscript(ctx context.Context, id, transcript string) error
	DeleteRecording(ctx context.Context, id string) error
}

// ArtifactStore persists finished artifacts and releases them on deletion.
// Satisfied by *storage.Uploader.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (storage.ArtifactRef, error)
	Release(ctx context.Context, key string) error
}

// Transcriber runs transcription attempts. Satisfied by
// *transcribe.Orchestrator.
type Transcriber interface {
	Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Outcome, error)
	Cancel(recordingID string)
}

// Session is one live capture session. The session ID doubles as the
// recording ID.
type Session struct {
	ID      string
	OwnerID string

	m       *Manager
	device  *capture.PushDevice
	machine *capture.Machine

	mu           sync.Mutex
	lastActivity time.Time
	startedAt    time.Time
	discard      bool

	// closed once the post-stop pipeline (duration, upload, status) is done
	finished chan struct{}
}

// State returns the capture lifecycle state.
func (s *Session) State() capture.State { return s.machine.State() }

// ContentType returns the negotiated container type.
func (s *Session) ContentType() string { return s.machine.ContentType() }

// Elapsed returns recording time so far, pauses excluded.
func (s *Session) Elapsed() time.Duration { return s.machine.Elapsed() }

// Level returns the latest loudness sample in [0,1].
func (s *Session) Level() float64 { return s.machine.Level() }

// PushChunk feeds one encoded audio chunk. Returns false if the session is
// paused, stopped or backed up.
func (s *Session) PushChunk(data []byte) bool {
	s.touch()
	return s.device.PushChunk(data)
}

// PushWindow updates the amplitude window used for level metering.
func (s *Session) PushWindow(w []byte) {
	s.touch()
	s.device.PushWindow(w)
}

// Pause freezes the session.
func (s *Session) Pause() error {
	s.touch()
	if err := s.machine.Pause(); err != nil {
		return err
	}
	s.m.bus.Publish(EventState, s.ID, map[string]any{"state": capture.StatePaused.String()})
	return nil
}

// Resume continues a paused session.
func (s *Session) Resume() error {
	s.touch()
	if err := s.machine.Resume(); err != nil {
		return err
	}
	s.m.bus.Publish(EventState, s.ID, map[string]any{"state": capture.StateRecording.String()})
	return nil
}

// ReportLost signals that the client's input device disappeared. The machine
// force-stops and keeps the partial artifact.
func (s *Session) ReportLost() {
	s.device.ReportLost()
}

// Finished is closed once the post-stop pipeline has run.
func (s *Session) Finished() <-chan struct{} { return s.finished }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.m.now()
	s.mu.Unlock()
}

func (s *Session) setDiscard() {
	s.mu.Lock()
	s.discard = true
	s.mu.Unlock()
}

func (s *Session) discarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discard
}

func (s *Session) onResult(res capture.Result) {
	defer close(s.finished)
	s.m.remove(s.ID)
	if s.discarded() {
		return
	}
	s.m.finalize(s, res)
}

func (s *Session) onFailure(err error) {
	metrics.CaptureFailuresTotal.WithLabelValues(failureKind(err)).Inc()
	s.m.bus.Publish(EventCaptureFailure, s.ID, map[string]any{
		"kind":    failureKind(err),
		"message": FailureMessage(err),
	})
}

// ManagerOptions configures a session Manager.
type ManagerOptions struct {
	Store       RecordStore
	Artifacts   ArtifactStore
	Transcriber Transcriber
	Bus         *EventBus

	// IdleTimeout force-stops sessions with no client activity. Zero
	// disables the check.
	IdleTimeout time.Duration
	// MaxDuration force-stops sessions regardless of activity. Zero
	// disables the check.
	MaxDuration time.Duration

	// Now overrides the wall clock (tests). Defaults to time.Now.
	Now func() time.Time

	Log zerolog.Logger
}

// Manager owns all live capture sessions and drives the stop pipeline:
// persist duration, upload the artifact, mark the recording completed and
// kick off transcription. One Manager per process.
type Manager struct {
	store       RecordStore
	artifacts   ArtifactStore
	transcriber Transcriber
	bus         *EventBus
	idleTimeout time.Duration
	maxDuration time.Duration
	now         func() time.Time
	log         zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	janitorStop chan struct{}
	janitorDone chan struct{}
	wg          sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:       opts.Store,
		artifacts:   opts.Artifacts,
		transcriber: opts.Transcriber,
		bus:         opts.Bus,
		idleTimeout: opts.IdleTimeout,
		maxDuration: opts.MaxDuration,
		now:         opts.Now,
		log:         opts.Log.With().Str("component", "sessions").Logger(),
		sessions:    make(map[string]*Session),
	}
}

// StartSession creates a recording row and begins capturing. containerTypes
// lists the container types the client can encode; the preferred supported
// one is negotiated. On failure nothing is persisted and the caller may
// retry.
func (m *Manager) StartSession(ctx context.Context, ownerID, subjectID string, containerTypes []string) (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		ID:       id,
		OwnerID:  ownerID,
		m:        m,
		device:   capture.NewPushDevice(containerTypes),
		finished: make(chan struct{}),
	}
	s.machine = capture.NewMachine(capture.Options{
		Device:    s.device,
		OnResult:  s.onResult,
		OnFailure: s.onFailure,
		OnLevel: func(v float64) {
			m.bus.Publish(EventLevel, id, map[string]any{"level": v})
		},
		OnTick: func(d time.Duration) {
			m.bus.Publish(EventTick, id, map[string]any{"elapsed_ms": d.Milliseconds()})
		},
		Now: m.now,
		Log: m.log,
	})

	if err := s.machine.Start(ctx); err != nil {
		metrics.CaptureFailuresTotal.WithLabelValues(failureKind(err)).Inc()
		return nil, err
	}

	rec := &database.Recording{
		ID:        id,
		OwnerID:   ownerID,
		SubjectID: subjectID,
		Status:    database.StatusRecording,
	}
	if err := m.store.CreateRecording(ctx, rec); err != nil {
		s.setDiscard()
		s.machine.Stop()
		return nil, fmt.Errorf("create recording: %w", err)
	}

	now := m.now()
	s.mu.Lock()
	s.startedAt = now
	s.lastActivity = now
	s.mu.Unlock()

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	metrics.SessionsStartedTotal.Inc()
	m.bus.Publish(EventState, id, map[string]any{
		"state":        capture.StateRecording.String(),
		"content_type": s.machine.ContentType(),
	})
	m.log.Info().Str("session_id", id).Str("owner_id", ownerID).Msg("session started")
	return s, nil
}

// Session returns the live session with the given ID.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// StopSession finalizes the session and returns the recording after the stop
// pipeline ran. The recording stays in its prior status if the upload failed.
func (m *Manager) StopSession(ctx context.Context, id string) (*database.Recording, error) {
	s, ok := m.Session(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.machine.Stop()
	<-s.finished
	return m.store.GetRecording(ctx, id)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// finalize runs the stop pipeline. A failed upload leaves the recording in
// its prior status and never starts transcription.
func (m *Manager) finalize(s *Session, res capture.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := m.store.SetDuration(ctx, s.ID, res.Seconds()); err != nil {
		m.log.Error().Err(err).Str("recording_id", s.ID).Msg("persist duration failed")
	}

	data := res.Artifact.Bytes()
	ct := res.Artifact.ContentType
	key := storage.Key(s.OwnerID, s.ID, res.Artifact.Ext())

	ref, err := m.artifacts.Upload(ctx, key, data, ct)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		m.log.Error().Err(err).Str("recording_id", s.ID).Msg("artifact upload failed")
		m.bus.Publish(EventUploadFailed, s.ID, map[string]any{
			"message": "Saving the recording failed. The audio was not stored.",
		})
		return
	}
	metrics.UploadsTotal.WithLabelValues("ok").Inc()

	if err := m.store.MarkCompleted(ctx, s.ID, key, ct); err != nil {
		m.log.Error().Err(err).Str("recording_id", s.ID).Msg("mark completed failed")
		return
	}
	m.bus.Publish(EventCompleted, s.ID, map[string]any{
		"key":              ref.Key,
		"url":              ref.URL,
		"size":             ref.Size,
		"duration_seconds": res.Seconds(),
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runTranscription(s.ID, transcribe.Request{
			RecordingID: s.ID,
			Audio:       data,
			ContentType: ct,
			Key:         key,
		})
	}()
}

func (m *Manager) runTranscription(recordingID string, req transcribe.Request) {
	out, err := m.transcriber.Transcribe(context.Background(), req)
	if err != nil {
		// Only ErrInFlight reaches here; everything else is an Outcome.
		m.log.Warn().Err(err).Str("recording_id", recordingID).Msg("transcription not started")
		return
	}
	m.applyOutcome(context.Background(), recordingID, out)
}

// Retranscribe re-runs transcription from the stored artifact. A successful
// run overwrites the previous transcript; any other outcome leaves it
// untouched. Returns transcribe.ErrInFlight if an attempt is already running.
func (m *Manager) Retranscribe(ctx context.Context, recordingID string) (transcribe.Outcome, error) {
	rec, err := m.store.GetRecording(ctx, recordingID)
	if err != nil {
		return transcribe.Outcome{}, err
	}
	if rec.Status != database.StatusCompleted || rec.AudioKey == nil {
		return transcribe.Outcome{}, ErrNoStoredAudio
	}
	var ct string
	if rec.ContentType != nil {
		ct = *rec.ContentType
	}
	out, err := m.transcriber.Transcribe(ctx, transcribe.Request{
		RecordingID: recordingID,
		Key:         *rec.AudioKey,
		ContentType: ct,
	})
	if err != nil {
		return transcribe.Outcome{}, err
	}
	m.applyOutcome(ctx, recordingID, out)
	return out, nil
}

func (m *Manager) applyOutcome(ctx context.Context, recordingID string, out transcribe.Outcome) {
	metrics.TranscriptionsTotal.WithLabelValues(out.Kind.String()).Inc()

	payload := map[string]any{
		"outcome":  out.Kind.String(),
		"provider": out.Provider,
		"model":    out.Model,
	}
	switch out.Kind {
	case transcribe.OutcomeSuccess:
		if err := m.store.SetTranscript(ctx, recordingID, out.Text); err != nil {
			m.log.Error().Err(err).Str("recording_id", recordingID).Msg("persist transcript failed")
		}
		payload["transcript"] = out.Text
	case transcribe.OutcomeFailed:
		if out.Err != nil {
			payload["error"] = out.Err.Error()
		}
	}
	m.bus.Publish(EventTranscription, recordingID, payload)
}

// Delete removes a recording: cancels any in-flight transcription, tears
// down a live session without persisting its artifact, deletes the row and
// releases stored audio best-effort.
func (m *Manager) Delete(ctx context.Context, recordingID string) error {
	m.transcriber.Cancel(recordingID)

	if s, ok := m.Session(recordingID); ok {
		s.setDiscard()
		s.machine.Stop()
		<-s.finished
	}

	rec, err := m.store.GetRecording(ctx, recordingID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteRecording(ctx, recordingID); err != nil {
		return err
	}
	if rec.AudioKey != nil {
		if err := m.artifacts.Release(ctx, *rec.AudioKey); err != nil {
			m.log.Warn().Err(err).Str("key", *rec.AudioKey).Msg("release stored audio failed")
		}
	}
	m.bus.Publish(EventDeleted, recordingID, map[string]any{"id": recordingID})
	return nil
}

// Start launches the janitor that force-stops idle and over-length sessions.
func (m *Manager) Start() {
	m.janitorStop = make(chan struct{})
	m.janitorDone = make(chan struct{})
	go m.janitor()
}

// Stop finalizes all live sessions and waits for their pipelines.
func (m *Manager) Stop() {
	if m.janitorStop != nil {
		close(m.janitorStop)
		<-m.janitorDone
	}
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()
	for _, s := range live {
		s.machine.Stop()
		<-s.finished
	}
	m.wg.Wait()
}

func (m *Manager) janitor() {
	defer close(m.janitorDone)
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-m.janitorStop:
			return
		case <-t.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	now := m.now()
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		idle := m.idleTimeout > 0 && now.Sub(s.lastActivity) > m.idleTimeout
		over := m.maxDuration > 0 && now.Sub(s.startedAt) > m.maxDuration
		s.mu.Unlock()
		if idle || over {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.log.Warn().Str("session_id", s.ID).Msg("force-stopping stale session")
		s.machine.Stop()
	}
}

// FailureMessage maps a typed capture failure to the user-facing message.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Microphone access was denied. Allow microphone access in your browser settings and try again."
	case errors.Is(err, capture.ErrDeviceNotFound):
		return "No microphone was found. Connect a microphone and try again."
	case errors.Is(err, capture.ErrDeviceLost):
		return "The microphone was disconnected. The audio captured so far has been kept."
	case errors.Is(err, capture.ErrNoSupportedContainer):
		return "This device cannot record in any supported audio format."
	default:
		return "Recording failed unexpectedly. Try again."
	}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, capture.ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, capture.ErrDeviceLost):
		return "device_lost"
	case errors.Is(err, capture.ErrNoSupportedContainer):
		return "no_container"
	default:
		return "unknown"
	}
}
