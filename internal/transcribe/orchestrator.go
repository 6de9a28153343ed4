package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInFlight is returned when a transcription is requested for a recording
// that already has one running. Callers must not run two in parallel.
var ErrInFlight = errors.New("transcription already in flight for this recording")

// Fetcher reads artifact bytes back from storage for re-transcription.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Request describes one transcription attempt for a recording.
type Request struct {
	RecordingID string

	// Audio is the in-memory artifact, when the capture just finished.
	// Nil means the orchestrator fetches the bytes from storage by Key.
	Audio       []byte
	ContentType string
	Key         string
}

// Orchestrator drives transcription attempts: it resolves the audio bytes,
// invokes the provider with a bounded timeout, and classifies the result
// into an Outcome. At most one attempt may be in flight per recording; the
// orchestrator never retries on its own.
type Orchestrator struct {
	provider Provider
	fetcher  Fetcher
	timeout  time.Duration
	opts     Opts
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// Options configures an Orchestrator.
type Options struct {
	Provider Provider
	Fetcher  Fetcher
	Timeout  time.Duration
	Opts     Opts
	Log      zerolog.Logger
}

// NewOrchestrator creates a transcription orchestrator.
func NewOrchestrator(o Options) *Orchestrator {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	return &Orchestrator{
		provider: o.Provider,
		fetcher:  o.Fetcher,
		timeout:  o.Timeout,
		opts:     o.Opts,
		log:      o.Log.With().Str("component", "transcribe").Logger(),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Transcribe runs one transcription attempt. Returns ErrInFlight if another
// attempt for the same recording is still running; every other failure mode
// is expressed in the Outcome, not the error.
func (o *Orchestrator) Transcribe(ctx context.Context, req Request) (Outcome, error) {
	ctx, err := o.acquire(ctx, req.RecordingID)
	if err != nil {
		return Outcome{}, err
	}
	defer o.release(req.RecordingID)

	provider, model := o.provider.Name(), o.provider.Model()
	start := time.Now()

	audio := req.Audio
	if audio == nil {
		fetched, err := o.fetcher.Fetch(ctx, req.Key)
		if err != nil {
			o.log.Warn().Err(err).Str("recording_id", req.RecordingID).Msg("artifact fetch failed")
			return failed(fmt.Errorf("fetch artifact: %w", err), provider, model), nil
		}
		audio = fetched
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.provider.Transcribe(callCtx, audio, req.ContentType, o.opts)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrRateLimited):
		o.log.Warn().Str("recording_id", req.RecordingID).Str("provider", provider).Msg("transcription rate limited")
		return rateLimited(provider, model), nil
	case err != nil:
		o.log.Warn().Err(err).Str("recording_id", req.RecordingID).Str("provider", provider).Msg("transcription failed")
		return failed(err, provider, model), nil
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		o.log.Debug().Str("recording_id", req.RecordingID).Msg("no speech detected")
		return noSpeech(provider, model), nil
	}

	o.log.Info().
		Str("recording_id", req.RecordingID).
		Str("provider", provider).
		Int("chars", len(text)).
		Dur("took", elapsed).
		Msg("transcription complete")
	return success(text, provider, model), nil
}

// Cancel aborts any in-flight transcription for the recording. Used when
// the recording is deleted.
func (o *Orchestrator) Cancel(recordingID string) {
	o.mu.Lock()
	cancel := o.inflight[recordingID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// InFlight reports whether a transcription is currently running for the
// recording.
func (o *Orchestrator) InFlight(recordingID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[recordingID]
	return ok
}

func (o *Orchestrator) acquire(ctx context.Context, recordingID string) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[recordingID]; busy {
		return nil, ErrInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	o.inflight[recordingID] = cancel
	return ctx, nil
}

func (o *Orchestrator) release(recordingID string) {
	o.mu.Lock()
	cancel := o.inflight[recordingID]
	delete(o.inflight, recordingID)
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
