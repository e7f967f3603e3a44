package events

import "sync"

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(string, map[string]any) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Envelope{Type: eventType, Data: data})
}

func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// Count returns how many events of eventType were published.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Multi publishes to several notifiers.
type Multi []Notifier

func (m Multi) Publish(eventType string, data map[string]any) {
	for _, n := range m {
		n.Publish(eventType, data)
	}
}
