// Package scheduler runs one-shot callbacks at wall-clock instants.
//
// Time comes from a clockwork.Clock so tests drive it with a fake clock.
// Cancel is safe against a callback that is firing concurrently: once Cancel
// returns true the callback will not start.
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Handle identifies a scheduled callback. The zero Handle is never issued.
type Handle uint64

// Scheduler owns a set of pending timers.
type Scheduler struct {
	clock clockwork.Clock

	mu      sync.Mutex
	next    Handle
	timers  map[Handle]clockwork.Timer
	stopped bool

	running sync.WaitGroup
}

// New creates a Scheduler reading time from clock.
func New(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		timers: make(map[Handle]clockwork.Timer),
	}
}

// Clock returns the clock the scheduler reads.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// ScheduleAt runs fn at the given instant, or as soon as possible when the
// instant has already passed. It returns the zero Handle after Stop.
func (s *Scheduler) ScheduleAt(at time.Time, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}

	s.next++
	h := s.next

	d := at.Sub(s.clock.Now())
	if d <= 0 {
		s.timers[h] = nil
		go s.fire(h, fn)
		return h
	}

	s.timers[h] = s.clock.AfterFunc(d, func() { s.fire(h, fn) })
	return h
}

// Cancel prevents h from firing. It reports whether a pending callback was
// cancelled; cancelling a fired, running or unknown handle is a no-op.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[h]
	if !ok {
		return false
	}
	delete(s.timers, h)
	if t != nil {
		t.Stop()
	}
	return true
}

// Pending reports how many callbacks have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending callback and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for h, t := range s.timers {
		if t != nil {
			t.Stop()
		}
		delete(s.timers, h)
	}
	s.mu.Unlock()

	s.running.Wait()
}

func (s *Scheduler) fire(h Handle, fn func()) {
	s.mu.Lock()
	if _, ok := s.timers[h]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, h)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	fn()
}
