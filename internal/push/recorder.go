package push

import "sync"

// Emitted is one recorded Emit call.
type Emitted struct {
	Handle  string
	Event   string
	Payload any
}

// Recorder captures emitted events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Emitted
}

// Emit records the event.
func (r *Recorder) Emit(handle, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Emitted{Handle: handle, Event: event, Payload: payload})
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Emitted, len(r.events))
	copy(out, r.events)
	return out
}

// ByEvent returns recorded calls matching an event name.
func (r *Recorder) ByEvent(event string) []Emitted {
	var out []Emitted
	for _, e := range r.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
