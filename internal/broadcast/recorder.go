package broadcast

import "sync"

// Published is one call recorded by Recorder.
type Published struct {
	Topic   Topic
	Payload any
}

// Recorder is a Channel that keeps every publish in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

// Publish records the event.
func (r *Recorder) Publish(topic Topic, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Topic: topic, Payload: payload})
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events were recorded on topic.
func (r *Recorder) Count(topic Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
