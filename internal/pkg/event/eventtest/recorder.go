// Package eventtest provides an in-memory event.Conn for tests.
package eventtest

import (
	"sync"

	"github.com/vreid/quizduel/internal/pkg/event"
)

type Recorder struct {
	id string

	mu     sync.Mutex
	events []event.Event
}

func NewRecorder(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string {
	return r.id
}

func (r *Recorder) Send(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]event.Event, len(r.events))
	copy(out, r.events)

	return out
}

func (r *Recorder) OfType(t event.Type) []event.Event {
	var out []event.Event

	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}

	return out
}

func (r *Recorder) Count(t event.Type) int {
	return len(r.OfType(t))
}

// Last returns the newest event of type t and whether there was one.
func (r *Recorder) Last(t event.Type) (event.Event, bool) {
	events := r.OfType(t)
	if len(events) == 0 {
		return event.Event{}, false
	}

	return events[len(events)-1], true
}

func (r *Recorder) Types() []event.Type {
	events := r.Events()

	out := make([]event.Type, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}

	return out
}
