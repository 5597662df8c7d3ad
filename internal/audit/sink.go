package audit

import (
	"context"
	"errors"
	"sync"
)

// Sink persists or forwards events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// Recorder is what engine components depend on. Recording never fails the
// caller's operation.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Discard drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) {}

// Fanout writes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Write(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory. It is meant for tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned by Write after the event is stored.
	Err error
}

func (m *MemorySink) Write(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.Err
}

func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Names lists the event names in arrival order.
func (m *MemorySink) Names() []string {
	evs := m.Events()
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, Name(ev))
	}
	return out
}

func (m *MemorySink) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}
