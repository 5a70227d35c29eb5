// Package queuemanager implements name->queue resolution with
// single-flight creation and negative caching (C6).
package queuemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type state int

const (
	stateResolving state = iota
	stateHandle
	stateFailed
)

type entry[Q any] struct {
	mu          sync.Mutex
	st          state
	q           Q
	err         error
	failedUntil time.Time
	done        chan struct{}
}

// Manager resolves names to queues of type Q, guaranteeing at most one
// creation function runs concurrently per name. Failed creations are
// negative-cached for NegativeTTL (default 60s); concurrent callers
// during that window see the cached error without re-running creation.
//
// When Redis is set, the negative cache is additionally mirrored there so
// a fleet of processes shares failed-resolution state rather than each
// retrying the same doomed creation independently; the in-memory cache
// alone is sufficient for a single process.
type Manager[Q any] struct {
	mu    sync.Mutex
	named map[string]*entry[Q]

	NegativeTTL time.Duration
	Redis       *redis.Client
	RedisPrefix string
}

// New creates a Manager with the default 60s negative-cache TTL.
func New[Q any]() *Manager[Q] {
	return &Manager[Q]{named: map[string]*entry[Q]{}, NegativeTTL: 60 * time.Second, RedisPrefix: "kumogo:qm:neg:"}
}

// CreateFunc constructs a new Q for name.
type CreateFunc[Q any] func(ctx context.Context, name string) (Q, error)

// Resolve returns the queue for name, creating it via create if it does
// not yet exist. Safe to call concurrently; at most one create runs per
// name at any time.
func (m *Manager[Q]) Resolve(ctx context.Context, name string, create CreateFunc[Q]) (Q, error) {
	var zero Q
	for {
		m.mu.Lock()
		e, ok := m.named[name]
		if ok {
			e.mu.Lock()
			switch e.st {
			case stateHandle:
				q := e.q
				e.mu.Unlock()
				m.mu.Unlock()
				return q, nil
			case stateFailed:
				if time.Now().Before(e.failedUntil) {
					err := e.err
					e.mu.Unlock()
					m.mu.Unlock()
					return zero, err
				}
				e.mu.Unlock()
				delete(m.named, name)
				ok = false
			case stateResolving:
				done := e.done
				e.mu.Unlock()
				m.mu.Unlock()
				select {
				case <-done:
					continue
				case <-ctx.Done():
					return zero, ctx.Err()
				}
			}
		}
		if !ok {
			if m.checkRedisNegative(ctx, name) {
				m.mu.Unlock()
				return zero, fmt.Errorf("queuemanager: %q negatively cached (shared)", name)
			}
			e = &entry[Q]{st: stateResolving, done: make(chan struct{})}
			m.named[name] = e
			m.mu.Unlock()

			q, err := create(ctx, name)

			e.mu.Lock()
			if err != nil {
				e.st = stateFailed
				e.err = err
				e.failedUntil = time.Now().Add(m.NegativeTTL)
				m.setRedisNegative(ctx, name)
			} else {
				e.st = stateHandle
				e.q = q
			}
			e.mu.Unlock()
			close(e.done)

			if err != nil {
				return zero, err
			}
			return q, nil
		}
		m.mu.Unlock()
	}
}

func (m *Manager[Q]) checkRedisNegative(ctx context.Context, name string) bool {
	if m.Redis == nil {
		return false
	}
	n, err := m.Redis.Exists(ctx, m.RedisPrefix+name).Result()
	return err == nil && n > 0
}

func (m *Manager[Q]) setRedisNegative(ctx context.Context, name string) {
	if m.Redis == nil {
		return
	}
	m.Redis.Set(ctx, m.RedisPrefix+name, "1", m.NegativeTTL)
}

// Evict removes name's cached entry (handle or negative), forcing the
// next Resolve to recreate it. Used by admin rebind/transfer when a
// queue's config is known to have changed out from under it.
func (m *Manager[Q]) Evict(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.named, name)
}

// Len reports the number of currently-cached entries (handles and
// negative entries alike), for diagnostics.
func (m *Manager[Q]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.named)
}

// Snapshot returns every currently-resolved (name -> handle) pair,
// skipping entries still resolving or negatively cached. Used by the
// admin surface to enumerate queues for inspect-sched-q/suspend/xfer.
func (m *Manager[Q]) Snapshot() map[string]Q {
	m.mu.Lock()
	names := make([]string, 0, len(m.named))
	entries := make([]*entry[Q], 0, len(m.named))
	for name, e := range m.named {
		names = append(names, name)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make(map[string]Q, len(names))
	for i, e := range entries {
		e.mu.Lock()
		if e.st == stateHandle {
			out[names[i]] = e.q
		}
		e.mu.Unlock()
	}
	return out
}
