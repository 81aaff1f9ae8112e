package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives the events of the topics it subscribed to on a
// buffered channel. Delivery never blocks the publishing job: when the
// buffer is full or the subscriber is out of credits, the event is
// dropped for that subscriber.
type Subscriber struct {
	id string
	ch chan *Event

	credits atomic.Int64
	closed  atomic.Bool

	mu     sync.Mutex
	filter func(*Event) bool
}

func newSubscriber(id string, buffer int, credits int64) *Subscriber {
	s := &Subscriber{id: id, ch: make(chan *Event, buffer)}
	s.credits.Store(credits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed when the subscriber is
// removed or the broker shuts down.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits grants n more deliveries.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits returns the remaining deliveries.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// SetFilter restricts delivery to events fn accepts.
func (s *Subscriber) SetFilter(fn func(*Event) bool) {
	s.mu.Lock()
	s.filter = fn
	s.mu.Unlock()
}

// deliver reports whether evt was queued. It holds mu for the
// non-blocking send so close cannot race it.
func (s *Subscriber) deliver(evt *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || (s.filter != nil && !s.filter(evt)) {
		return false
	}
	if s.credits.Add(-1) < 0 {
		s.credits.Add(1)
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.credits.Add(1)
		return false
	}
}

// close closes the channel once.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
