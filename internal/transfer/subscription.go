package transfer

import (
	"sync"

	"github.com/italolelis/recordvault/internal/recordstore"
)

// Event is one emission from a transfer subscription: a progress snapshot or
// the single terminal signal. On terminal events Err is nil for success.
type Event struct {
	Progress Progress
	Terminal bool
	Err      error
}

type state int

const (
	stateIdle state = iota
	stateSubmitted
	stateAwaitingRetry
	stateTerminated
)

// eventBuffer sizes the event channel so a subscriber draining at any
// reasonable pace never loses a snapshot. Progress snapshots are dropped
// rather than blocking the store's callback queue if a subscriber stops
// draining, and terminate evicts one buffered snapshot when the channel is
// full, so the terminal event is delivered even to an abandoned
// subscription.
const eventBuffer = 32

// subscription is the live state of one in-flight operation, shared by the
// three engines. All transitions go through the mutex, which keeps event
// delivery serial: progress strictly precedes the terminal event and at most
// one terminal event is ever delivered.
type subscription struct {
	mu       sync.Mutex
	state    state
	progress Progress
	op       recordstore.Operation
	events   chan Event
}

func newSubscription() *subscription {
	// Start with an unknown total (fraction 0) so the monotonic guard in
	// emitProgress accepts the first real snapshot. The zero value
	// Progress{0, 0} reads as fraction 1 and would swallow everything
	// before completion.
	return &subscription{
		progress: Progress{Total: -1},
		events:   make(chan Event, eventBuffer),
	}
}

func (s *subscription) setOperation(op recordstore.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.op = op
	if s.state == stateIdle || s.state == stateAwaitingRetry {
		s.state = stateSubmitted
	}
}

func (s *subscription) awaitRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateSubmitted {
		s.state = stateAwaitingRetry
	}
}

// emitProgress publishes a progress snapshot. Snapshots that would move the
// completion fraction backwards are ignored so the fraction is monotonically
// non-decreasing within one subscription.
func (s *subscription) emitProgress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateTerminated {
		return
	}

	if p.Fraction() < s.progress.Fraction() {
		return
	}

	s.progress = p

	select {
	case s.events <- Event{Progress: p}:
	default:
	}
}

// terminate delivers the terminal event and closes the channel. Returns false
// when the subscription already terminated; late store callbacks land here
// and are dropped. The send never blocks: if an abandoned subscriber left
// the buffer full of progress snapshots, one snapshot is evicted to make
// room for the terminal event.
func (s *subscription) terminate(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateTerminated {
		return false
	}

	s.state = stateTerminated

	terminal := Event{Progress: s.progress, Terminal: true, Err: err}
	select {
	case s.events <- terminal:
	default:
		// All sends happen under the mutex, so after evicting one
		// buffered snapshot the terminal send cannot block.
		<-s.events
		s.events <- terminal
	}
	close(s.events)

	return true
}

// cancel cancels the underlying store operation and terminates with
// ErrCancelled. Idempotent against duplicate cancels.
func (s *subscription) cancel() {
	s.mu.Lock()
	op := s.op
	terminated := s.state == stateTerminated
	s.mu.Unlock()

	if terminated {
		return
	}

	if op != nil {
		op.Cancel()
	}

	s.terminate(ErrCancelled)
}
