package timerqueue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// routedID is what the singleton wheel actually stores: the message id
// plus the name of the scheduled queue that owns it.
type routedID struct {
	Queue string
	ID    uuid.UUID
}

// SingletonWheel is the v2 redesign named in the design notes: rather
// than a weak back-reference from the wheel to the message (which cannot
// be expressed safely in Go any more than in the source language), the
// wheel stores SpoolIds. A single sweeper goroutine advances the wheel
// and routes expired ids to their owning queue via Router. Races between
// the sweeper popping an id and its owning queue draining are resolved by
// the owning queue: a Cancel that reports zero removals means the
// sweeper already has it, and the queue must be prepared to see it
// delivered on the very next Pop rather than treat it as lost.
type SingletonWheel struct {
	wheel *Wheel[routedID]

	mu     sync.Mutex
	router Router
}

// Router receives expired (queue, id) pairs from the sweeper.
type Router interface {
	RouteExpired(queue string, id uuid.UUID)
}

func NewSingletonWheel(tickResolution time.Duration, tiers int, router Router) *SingletonWheel {
	return &SingletonWheel{wheel: New[routedID](tickResolution, tiers), router: router}
}

// Insert schedules id (owned by queue) to become due at t.
func (s *SingletonWheel) Insert(t time.Time, queue string, id uuid.UUID) (dueImmediately bool) {
	return s.wheel.Insert(t, routedID{Queue: queue, ID: id})
}

// Cancel removes id from the wheel if it is still pending, reporting
// whether it found (and removed) it. A false return means the sweeper
// may already be delivering it.
func (s *SingletonWheel) Cancel(queue string, id uuid.UUID) bool {
	n := s.wheel.Cancel(func(r routedID) bool { return r.Queue == queue && r.ID == id })
	return n > 0
}

// Sweep advances the wheel to time at, routing every now-due id to its
// owning queue via Router. Intended to be called from a single dedicated
// goroutine on a ticker, per the "single global sweeper task" contract.
func (s *SingletonWheel) Sweep(at time.Time) {
	due := s.wheel.Pop(at)
	s.mu.Lock()
	router := s.router
	s.mu.Unlock()
	if router == nil {
		return
	}
	for _, r := range due {
		router.RouteExpired(r.Queue, r.ID)
	}
}

// Run drives Sweep on a ticker until stop is closed. Kept separate from
// Sweep so tests can call Sweep deterministically without a ticker.
func (s *SingletonWheel) Run(stop <-chan struct{}, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
