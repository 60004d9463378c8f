package connection

import "sync"

// DefaultBuffer is the event buffer used when a capability is not given one.
const DefaultBuffer = 64

// Stream is an ordered event queue that capabilities emit into. Emit blocks
// while the buffer is full, so a slow consumer applies backpressure to the
// network reader instead of dropping events. Close unblocks pending emitters
// and closes the channel.
type Stream struct {
	mu     sync.RWMutex
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	closed bool
}

// NewStream creates a Stream with the given buffer size.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Emit queues ev. It returns false if the stream is closed.
func (s *Stream) Emit(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close closes the stream. Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
