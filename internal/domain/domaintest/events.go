package domaintest

import (
	"sync"

	"github.com/cwygoda/downlee/internal/domain"
)

// Recorder is a domain.EventPublisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *Recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// For returns the events of one job, in publish order.
func (r *Recorder) For(id int64) []domain.Event {
	var out []domain.Event
	for _, ev := range r.Events() {
		if ev.Job.ID == id {
			out = append(out, ev)
		}
	}
	return out
}

// Kinds returns the event kinds of one job, skipping silent events.
func (r *Recorder) Kinds(id int64) []domain.EventKind {
	var out []domain.EventKind
	for _, ev := range r.For(id) {
		if !ev.Silent {
			out = append(out, ev.Kind)
		}
	}
	return out
}
