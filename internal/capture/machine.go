package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidTransition is returned for lifecycle calls made from the wrong
// state (pause while idle, start while recording, ...).
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the capture lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Artifact is the finalized, immutable audio payload of one completed
// capture. Never mutated after Stop; only read by the upload and
// transcription layers.
type Artifact struct {
	ContentType string
	chunks      [][]byte
}

// Bytes returns the chunks concatenated into a single payload.
func (a *Artifact) Bytes() []byte {
	var n int
	for _, c := range a.chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	return out
}

// Size returns the total payload size in bytes.
func (a *Artifact) Size() int {
	var n int
	for _, c := range a.chunks {
		n += len(c)
	}
	return n
}

// Ext returns the storage file extension for the artifact's container type.
func (a *Artifact) Ext() string { return extForContentType(a.ContentType) }

// Result is emitted exactly once per capture, when Stop finalizes the
// session.
type Result struct {
	Artifact *Artifact
	Duration time.Duration
}

// Seconds returns the wall-clock recording duration rounded to whole
// seconds, pauses excluded.
func (r Result) Seconds() int {
	return int(r.Duration.Round(time.Second) / time.Second)
}

// Options configures a capture Machine.
type Options struct {
	Device Device

	// OnResult receives the final (artifact, duration) exactly once.
	OnResult func(Result)
	// OnFailure receives mid-session device failures (ErrDeviceLost).
	// Called before the forced stop emits its partial result.
	OnFailure func(error)
	// OnLevel receives normalized loudness samples while recording.
	OnLevel func(float64)
	// OnTick receives elapsed-time samples while recording.
	OnTick func(time.Duration)

	// Now overrides the wall clock (tests). Defaults to time.Now.
	Now func() time.Time

	TickInterval  time.Duration // default 100ms
	LevelInterval time.Duration // default 33ms

	Log zerolog.Logger
}

// Machine owns the recording lifecycle for one session:
// idle → requesting → recording ⇄ paused → stopped. The device handle,
// analyzer and chunk buffer are exclusively owned by the machine; elapsed
// time is computed from wall-clock anchors, not tick counts, so dropped
// ticks never skew the final duration.
type Machine struct {
	opts Options
	now  func() time.Time
	log  zerolog.Logger

	mu          sync.Mutex
	state       State
	stream      Stream
	meter       *Meter
	contentType string
	chunks      [][]byte
	accumulated time.Duration
	anchor      time.Time
	level       float64
	done        chan struct{}
	drained     chan struct{}
}

// NewMachine creates an idle capture machine.
func NewMachine(opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = 33 * time.Millisecond
	}
	return &Machine{
		opts: opts,
		now:  opts.Now,
		log:  opts.Log.With().Str("component", "capture").Logger(),
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ContentType returns the container type chosen at Start, or "" before.
func (m *Machine) ContentType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contentType
}

// Elapsed returns the wall-clock time spent recording so far, pauses
// excluded. Monotonic while recording, frozen while paused, final after
// stop.
func (m *Machine) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsedLocked()
}

func (m *Machine) elapsedLocked() time.Duration {
	if m.state == StateRecording {
		return m.accumulated + m.now().Sub(m.anchor)
	}
	return m.accumulated
}

// Level returns the most recent loudness sample in [0,1].
func (m *Machine) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Start probes the container type, requests device access and begins
// recording. Valid only from idle. Any failure is terminal for this
// attempt: the machine returns to idle and the caller may call Start again.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("start from %s: %w", state, ErrInvalidTransition)
	}

	// Probe before acquiring any device handle.
	ct, err := probeContainer(m.opts.Device)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = StateRequesting
	m.mu.Unlock()

	stream, err := m.opts.Device.Open(ctx, Constraints{
		ContainerType:    ct,
		EchoCancellation: true,
		NoiseSuppression: true,
	})

	m.mu.Lock()
	if m.state != StateRequesting {
		// Stop was called while permission was pending: the attempt is
		// abandoned and nothing is captured.
		m.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return nil
	}
	if err != nil {
		m.state = StateIdle
		m.mu.Unlock()
		return classifyOpenErr(err)
	}

	m.stream = stream
	m.meter = NewMeter(stream.Analyzer())
	m.contentType = ct
	m.chunks = nil
	m.accumulated = 0
	m.anchor = m.now()
	m.level = 0
	m.done = make(chan struct{})
	m.drained = make(chan struct{})
	m.state = StateRecording

	go m.collect(stream, m.drained)
	go m.tickLoop(m.done)
	go m.levelLoop(m.done)

	m.mu.Unlock()
	m.log.Debug().Str("content_type", ct).Msg("recording started")
	return nil
}

// Pause freezes elapsed-time accumulation and halts device data collection.
// The device handle and analyzer stay open. Valid only from recording.
func (m *Machine) Pause() error {
	m.mu.Lock()
	if m.state != StateRecording {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("pause from %s: %w", state, ErrInvalidTransition)
	}
	m.accumulated += m.now().Sub(m.anchor)
	m.state = StatePaused
	s := m.stream
	m.mu.Unlock()

	s.Pause()
	m.log.Debug().Msg("recording paused")
	return nil
}

// Resume restarts elapsed-time accumulation from a fresh wall-clock anchor
// and resumes device data collection. Valid only from paused.
func (m *Machine) Resume() error {
	m.mu.Lock()
	if m.state != StatePaused {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("resume from %s: %w", state, ErrInvalidTransition)
	}
	m.anchor = m.now()
	m.state = StateRecording
	s := m.stream
	m.mu.Unlock()

	s.Resume()
	m.log.Debug().Msg("recording resumed")
	return nil
}

// Stop finalizes the capture: flushes buffered chunks into an Artifact,
// releases the device and emits the result exactly once. Valid from
// recording or paused. From idle or stopped it is a no-op returning nil;
// from requesting it cancels the pending acquisition and returns to idle.
func (m *Machine) Stop() *Result {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateStopped:
		m.mu.Unlock()
		return nil
	case StateRequesting:
		m.state = StateIdle
		m.mu.Unlock()
		return nil
	case StateRecording:
		m.accumulated += m.now().Sub(m.anchor)
	case StatePaused:
		// accumulator is already final
	}
	m.state = StateStopped
	total := m.accumulated
	stream := m.stream
	m.stream = nil
	m.meter = nil
	done := m.done
	drained := m.drained
	ct := m.contentType
	m.mu.Unlock()

	close(done)
	stream.Close()
	<-drained // collector sees the flush before we assemble the artifact

	m.mu.Lock()
	chunks := m.chunks
	m.chunks = nil
	m.mu.Unlock()

	res := &Result{
		Artifact: &Artifact{ContentType: ct, chunks: chunks},
		Duration: total,
	}
	m.log.Info().
		Int("chunks", len(chunks)).
		Int("bytes", res.Artifact.Size()).
		Dur("duration", total).
		Msg("recording stopped")
	if m.opts.OnResult != nil {
		m.opts.OnResult(*res)
	}
	return res
}

// collect drains the stream's chunk and error channels until the chunk
// channel is closed by Stop's flush.
func (m *Machine) collect(s Stream, drained chan struct{}) {
	defer close(drained)
	chunks := s.Chunks()
	errs := s.Errors()
	for {
		select {
		case data, ok := <-chunks:
			if !ok {
				return
			}
			m.mu.Lock()
			m.chunks = append(m.chunks, data)
			m.mu.Unlock()
		case err := <-errs:
			// Keep draining; the forced stop flushes and closes chunks.
			go m.deviceLost(err)
		}
	}
}

// deviceLost surfaces a mid-session device failure and forces a stop with
// whatever audio was buffered. Partial artifacts are kept.
func (m *Machine) deviceLost(err error) {
	m.mu.Lock()
	active := m.state == StateRecording || m.state == StatePaused
	m.mu.Unlock()
	if !active {
		return
	}
	if !errors.Is(err, ErrDeviceLost) {
		err = fmt.Errorf("%w: %v", ErrDeviceLost, err)
	}
	m.log.Warn().Err(err).Msg("device lost, stopping with partial capture")
	if m.opts.OnFailure != nil {
		m.opts.OnFailure(err)
	}
	m.Stop()
}

func (m *Machine) tickLoop(done chan struct{}) {
	t := time.NewTicker(m.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			m.mu.Lock()
			recording := m.state == StateRecording
			elapsed := m.elapsedLocked()
			m.mu.Unlock()
			if recording && m.opts.OnTick != nil {
				m.opts.OnTick(elapsed)
			}
		}
	}
}

func (m *Machine) levelLoop(done chan struct{}) {
	t := time.NewTicker(m.opts.LevelInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			m.mu.Lock()
			recording := m.state == StateRecording
			meter := m.meter
			m.mu.Unlock()
			if !recording {
				continue
			}
			v := meter.Sample()
			m.mu.Lock()
			m.level = v
			m.mu.Unlock()
			if m.opts.OnLevel != nil {
				m.opts.OnLevel(v)
			}
		}
	}
}

func classifyOpenErr(err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceNotFound) {
		return err
	}
	return fmt.Errorf("open device: %w", err)
}
