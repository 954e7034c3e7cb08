package events

import (
	"sync"

	"provmarket/core/types"
)

// Event represents a structured state change emitted by the protocol.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// payloadProvider is implemented by events that can render themselves into a
// canonical attribute record.
type payloadProvider interface {
	Event() *types.Event
}

// Recorder retains the most recent emitted events in order so read surfaces
// can serve them without a bus. It never influences protocol state.
type Recorder struct {
	mu     sync.RWMutex
	limit  int
	events []*types.Event
}

// NewRecorder creates a recorder that keeps at most limit events, discarding
// the oldest first. A non-positive limit defaults to 1024.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 1024
	}
	return &Recorder{limit: limit}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	provider, ok := evt.(payloadProvider)
	if !ok {
		return
	}
	record := provider.Event()
	if record == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, record)
	if len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the retained event records in emission order.
func (r *Recorder) Events() []*types.Event {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Event, len(r.events))
	copy(out, r.events)
	return out
}
