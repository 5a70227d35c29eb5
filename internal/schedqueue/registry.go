package schedqueue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks the set of live scheduled queues by name. It implements
// timerqueue.Router so a single shared SingletonWheel can route expired
// (queue, id) pairs to the owning Queue, and it runs the background
// maintainer that destroys empty, idle queues (§3.3).
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*Queue
}

func NewRegistry() *Registry {
	return &Registry{queues: map[string]*Queue{}}
}

// Get returns the queue named name, if registered.
func (r *Registry) Get(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// Register installs q under its name, replacing any previous entry.
func (r *Registry) Register(q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.name] = q
}

// Unregister removes name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, name)
}

// RouteExpired implements timerqueue.Router: it forwards a sweeper's
// expired (queue, id) pair to the owning Queue, or drops it silently if
// the queue has since been destroyed (it was necessarily drained first).
func (r *Registry) RouteExpired(queue string, id uuid.UUID) {
	r.mu.RLock()
	q, ok := r.queues[queue]
	r.mu.RUnlock()
	if ok {
		q.onSingletonExpired(id)
	}
}

// Maintain destroys every registered queue that is empty and has been
// idle for at least grace, returning the names destroyed. Intended to be
// called periodically by a background maintainer task.
func (r *Registry) Maintain(now time.Time, grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var destroyed []string
	for name, q := range r.queues {
		if q.IsIdle(now, grace) {
			delete(r.queues, name)
			destroyed = append(destroyed, name)
		}
	}
	return destroyed
}

// Len reports the number of currently-registered queues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}
