package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Typed capture failures. Open errors are terminal for that attempt; the
// machine returns to idle and the caller may retry with a fresh Start.
var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrDeviceNotFound       = errors.New("no input device found")
	ErrDeviceLost           = errors.New("device lost")
	ErrNoSupportedContainer = errors.New("no supported container type")
)

// containerPreference is the fixed probe order for Start: best compression
// first, most widely supported last. The first type the device supports is
// used for the whole session.
var containerPreference = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/mp4",
	"audio/ogg;codecs=opus",
	"audio/wav",
}

// Constraints are the hints passed when opening a device.
type Constraints struct {
	ContainerType    string
	EchoCancellation bool
	NoiseSuppression bool
}

// Device is an injected capture capability. Implementations are external
// collaborators (a client-fed push device, a test fake); the machine never
// assumes a process-wide device singleton.
type Device interface {
	// Supports reports whether the device can encode the given container type.
	Supports(containerType string) bool

	// Open acquires the device and starts data collection. Blocks until
	// permission is resolved; honors ctx cancellation.
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open capture stream. Chunks delivers encoded audio slices in
// order; the channel is closed after Close flushes the final chunk. Errors
// reports asynchronous device failures (ErrDeviceLost).
type Stream interface {
	Chunks() <-chan []byte
	Errors() <-chan error
	Pause()
	Resume()

	// Analyzer returns the amplitude analyzer for level metering, or nil
	// if the stream cannot provide one.
	Analyzer() Analyzer

	// Close stops data collection, flushes buffered chunks and closes the
	// Chunks channel. Idempotent.
	Close() error
}

// Analyzer exposes the most recent amplitude window of an open stream.
type Analyzer interface {
	// Window returns the latest sample magnitudes (0–255 per sample).
	// Empty or nil when no data is available.
	Window() []byte
}

// probeContainer returns the first container type in preference order that
// the device supports.
func probeContainer(d Device) (string, error) {
	for _, ct := range containerPreference {
		if d.Supports(ct) {
			return ct, nil
		}
	}
	return "", ErrNoSupportedContainer
}

// extForContentType maps a container type to a storage file extension.
func extForContentType(ct string) string {
	base := ct
	if i := strings.Index(ct, ";"); i >= 0 {
		base = ct[:i]
	}
	switch base {
	case "audio/webm":
		return ".webm"
	case "audio/mp4":
		return ".m4a"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav":
		return ".wav"
	default:
		return ".bin"
	}
}

// PushDevice is a Device fed by an external producer: the HTTP session
// endpoints push chunks, level windows and device errors into it. Tests use
// it directly as an in-process fake.
type PushDevice struct {
	mu        sync.Mutex
	supported map[string]bool
	openErr   error
	stream    *pushStream
}

// NewPushDevice creates a push-fed device supporting the given container
// types.
func NewPushDevice(containerTypes []string) *PushDevice {
	supported := make(map[string]bool, len(containerTypes))
	for _, ct := range containerTypes {
		supported[ct] = true
	}
	return &PushDevice{supported: supported}
}

// FailOpen makes the next Open return err (e.g. ErrPermissionDenied).
// Pass nil to clear.
func (d *PushDevice) FailOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

func (d *PushDevice) Supports(containerType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.supported[containerType]
}

func (d *PushDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	if d.stream != nil {
		return nil, errors.New("device already open")
	}
	s := &pushStream{
		chunks: make(chan []byte, 256),
		errs:   make(chan error, 1),
		device: d,
	}
	d.stream = s
	return s, nil
}

// PushChunk feeds one encoded chunk to the open stream. Chunks pushed while
// paused or after close are dropped, mirroring a device whose data
// collection is halted.
func (d *PushDevice) PushChunk(data []byte) bool {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return false
	}
	return s.push(data)
}

// PushWindow updates the analyzer amplitude window of the open stream.
func (d *PushDevice) PushWindow(w []byte) {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s != nil {
		s.setWindow(w)
	}
}

// ReportLost signals that the underlying device disappeared mid-session.
func (d *PushDevice) ReportLost() {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s != nil {
		s.fail(ErrDeviceLost)
	}
}

func (d *PushDevice) release(s *pushStream) {
	d.mu.Lock()
	if d.stream == s {
		d.stream = nil
	}
	d.mu.Unlock()
}

type pushStream struct {
	chunks chan []byte
	errs   chan error
	device *PushDevice

	mu     sync.Mutex
	paused bool
	closed bool
	window []byte
}

func (s *pushStream) Chunks() <-chan []byte { return s.chunks }
func (s *pushStream) Errors() <-chan error  { return s.errs }

func (s *pushStream) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *pushStream) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *pushStream) Analyzer() Analyzer { return s }

func (s *pushStream) Window() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

func (s *pushStream) setWindow(w []byte) {
	s.mu.Lock()
	s.window = append([]byte(nil), w...)
	s.mu.Unlock()
}

func (s *pushStream) push(data []byte) bool {
	s.mu.Lock()
	if s.paused || s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.chunks <- append([]byte(nil), data...):
		return true
	default:
		return false
	}
}

func (s *pushStream) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *pushStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.chunks)
	s.device.release(s)
	return nil
}
