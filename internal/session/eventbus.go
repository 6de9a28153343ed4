package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studyhall/recap/internal/metrics"
)

// Event is one pipeline event delivered to SSE subscribers and the MQTT
// publisher.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	RecordingID string          `json:"recording_id"`
	Timestamp   string          `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Event types published by the pipeline.
const (
	EventState          = "state"           // capture lifecycle transition
	EventTick           = "tick"            // elapsed-time sample
	EventLevel          = "level"           // loudness sample
	EventCaptureFailure = "capture_failure" // typed capture failure
	EventCompleted      = "completed"       // upload succeeded, recording completed
	EventUploadFailed   = "upload_failed"
	EventTranscription  = "transcription" // transcription outcome
	EventDeleted        = "deleted"
)

// EventFilter restricts which events a subscriber receives. Zero value
// matches everything.
type EventFilter struct {
	Types       []string
	RecordingID string
}

func (f EventFilter) matches(e Event) bool {
	if f.RecordingID != "" && f.RecordingID != e.RecordingID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventBus provides pub-sub event distribution for SSE subscribers, with a
// small ring buffer for replay on reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter EventFilter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int) *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (eb *EventBus) Subscribe(filter EventFilter) (<-chan Event, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan Event, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	cancel := func() {
		eb.mu.Lock()
		delete(eb.subscribers, id)
		eb.mu.Unlock()
	}
	return ch, cancel
}

// ReplaySince returns buffered events since the given event ID.
func (eb *EventBus) ReplaySince(lastEventID string, filter EventFilter) []Event {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var events []Event
	found := lastEventID == ""

	for i := 0; i < eb.ringSize; i++ {
		idx := (eb.ringHead + i) % eb.ringSize
		e := eb.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if filter.matches(e) {
			events = append(events, e)
		}
	}
	return events
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Publish sends an event to all matching subscribers and adds it to the
// ring buffer. Slow subscribers drop events; correctness never depends on
// event delivery.
func (eb *EventBus) Publish(eventType, recordingID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	seq := eb.seq.Add(1)
	event := Event{
		ID:          fmt.Sprintf("%d-%d", time.Now().UnixMilli(), seq),
		Type:        eventType,
		RecordingID: recordingID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Data:        data,
	}

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = event
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	metrics.EventsPublishedTotal.Inc()

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if sub.filter.matches(event) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	eb.mu.RUnlock()
}
