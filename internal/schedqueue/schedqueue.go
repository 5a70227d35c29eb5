// Package schedqueue implements the scheduled queue (C5): one per
// (campaign,tenant,domain,routing_domain) tuple, holding delayed messages
// and applying a policy-resolved queue config to pick a queue-structure
// variant, grounded on the upstream kumod queue/manager.rs design.
package schedqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/spool"
	"github.com/relaycore/kumogo/internal/timerqueue"
)

// InsertResult reports the outcome of Insert: either the message was
// enqueued (Full=false) or it was already due and the caller must route
// it directly to the ready queue (Full=true, per the `Full(msg)` outcome
// in §4.5).
type InsertResult struct {
	Full         bool
	ShouldNotify bool
}

// Queue is one scheduled queue, keyed by its full queue name.
type Queue struct {
	name      string
	hooks     policy.Hooks
	onReady   func(msg *mtamsg.Message)
	recordLog *logging.RecordLogger

	wheelTick  time.Duration
	wheelTiers int
	cfgTTL     time.Duration

	mu            sync.Mutex
	cfgLoaded     bool
	cfg           policy.QueueConfig
	cfgExpiry     time.Time
	strategyFixed bool
	strategy      policy.QueueStrategy

	wheel     *timerqueue.Wheel[*mtamsg.Message]
	heap      skipHeap
	singleton *timerqueue.SingletonWheel
	pending   map[uuid.UUID]*mtamsg.Message

	length       int
	createdAt    time.Time
	lastDispatch time.Time
	suspended    bool
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithSingletonWheel configures the shared singleton wheel used by the
// StrategySingletonTimerWheel(V2) strategies.
func WithSingletonWheel(w *timerqueue.SingletonWheel) Option {
	return func(q *Queue) { q.singleton = w }
}

// WithWheelParams overrides the per-queue timer-wheel tick resolution and
// tier count used by StrategyTimerWheel (defaults: 1s tick, 4 tiers).
func WithWheelParams(tick time.Duration, tiers int) Option {
	return func(q *Queue) { q.wheelTick = tick; q.wheelTiers = tiers }
}

// WithConfigTTL overrides the queue-config cache TTL (default 30s).
func WithConfigTTL(ttl time.Duration) Option {
	return func(q *Queue) { q.cfgTTL = ttl }
}

// WithRecordLogger attaches the per-message record log used by
// InsertOrUnwind and the package-level Rebind/Transfer helpers.
func WithRecordLogger(rl *logging.RecordLogger) Option {
	return func(q *Queue) { q.recordLog = rl }
}

// New constructs a Queue. onReady is invoked (off the queue's own lock)
// whenever a message becomes due, handing it to the ready-queue layer.
func New(name string, hooks policy.Hooks, onReady func(msg *mtamsg.Message), opts ...Option) *Queue {
	q := &Queue{
		name:       name,
		hooks:      hooks,
		onReady:    onReady,
		wheelTick:  time.Second,
		wheelTiers: 4,
		cfgTTL:     30 * time.Second,
		createdAt:  time.Now().UTC(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Len reports the number of messages currently held (delayed + pending on
// a shared singleton wheel), for maintainer idle checks and inspection.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

func (q *Queue) resolveConfig(ctx context.Context) (policy.QueueConfig, error) {
	q.mu.Lock()
	if q.cfgLoaded && time.Now().Before(q.cfgExpiry) {
		cfg := q.cfg
		q.mu.Unlock()
		return cfg, nil
	}
	q.mu.Unlock()

	cfg, err := q.hooks.GetQueueConfig(ctx, q.name)
	if err != nil {
		return policy.QueueConfig{}, fmt.Errorf("schedqueue %q: get_queue_config: %w", q.name, err)
	}

	q.mu.Lock()
	q.cfg = cfg
	q.cfgExpiry = time.Now().Add(q.cfgTTL)
	q.cfgLoaded = true
	if !q.strategyFixed {
		// The queue structure is chosen once, at lazy creation (§3.3); a
		// config refresh never migrates an already-populated structure.
		q.strategy = cfg.Strategy
		q.strategyFixed = true
	}
	q.mu.Unlock()
	return cfg, nil
}

// Insert enqueues msg, selecting the queue-structure variant on first use.
func (q *Queue) Insert(ctx context.Context, msg *mtamsg.Message) (InsertResult, error) {
	if _, err := q.resolveConfig(ctx); err != nil {
		return InsertResult{}, err
	}

	now := time.Now().UTC()
	t := now
	if due := msg.Due(); due != nil {
		t = *due
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.strategy {
	case policy.StrategyTimerWheel:
		if q.wheel == nil {
			q.wheel = timerqueue.New[*mtamsg.Message](q.wheelTick, q.wheelTiers)
		}
		if q.wheel.Insert(t, msg) {
			return InsertResult{Full: true}, nil
		}
		q.length++
		return InsertResult{ShouldNotify: false}, nil

	case policy.StrategySkipList:
		if !t.After(now) {
			return InsertResult{Full: true}, nil
		}
		prevEarliest, hadPrev := q.heap.peekDue()
		heap.Push(&q.heap, &skipItem{due: t, msg: msg})
		q.length++
		notify := !hadPrev || t.Before(prevEarliest)
		return InsertResult{ShouldNotify: notify}, nil

	case policy.StrategySingletonTimerWheel, policy.StrategySingletonTimerWheelV2:
		if q.singleton == nil {
			return InsertResult{}, fmt.Errorf("schedqueue %q: singleton strategy selected but no shared wheel configured", q.name)
		}
		if q.pending == nil {
			q.pending = map[uuid.UUID]*mtamsg.Message{}
		}
		if q.singleton.Insert(t, q.name, msg.ID()) {
			return InsertResult{Full: true}, nil
		}
		q.pending[msg.ID()] = msg
		q.length++
		return InsertResult{ShouldNotify: false}, nil

	default:
		return InsertResult{}, fmt.Errorf("schedqueue %q: unknown queue strategy %v", q.name, q.strategy)
	}
}

// InsertOrUnwind is the reception-time variant: on any policy or spool
// error it deletes the spooled message and synthesizes a Bounce record
// rather than leaving the failure invisible (§4.5).
func (q *Queue) InsertOrUnwind(ctx context.Context, msg *mtamsg.Message, sp spool.Spool) (InsertResult, error) {
	res, err := q.Insert(ctx, msg)
	if err == nil {
		return res, nil
	}

	_ = sp.Remove(ctx, msg.ID())
	if q.recordLog != nil {
		_ = q.recordLog.Log(logging.Record{
			Kind:      logging.Bounce,
			SpoolID:   msg.ID().String(),
			Sender:    msg.Sender().String(),
			Recipient: msg.Recipient().String(),
			Queue:     q.name,
			Response:  err.Error(),
			Code:      500,
		})
	}
	return InsertResult{}, err
}

// Suspend halts release of newly-due messages to the ready-queue layer
// (via PopDue/onSingletonExpired) without disturbing what is already
// held — the scheduled-queue side of the admin `suspend` operation
// (§6); mirrors readyqueue.ReadyQueue's own Suspend.
func (q *Queue) Suspend() {
	q.mu.Lock()
	q.suspended = true
	q.mu.Unlock()
}

// SuspendCancel lifts an administrative suspension (`suspend-cancel`).
func (q *Queue) SuspendCancel() {
	q.mu.Lock()
	q.suspended = false
	q.mu.Unlock()
}

// IsSuspended reports whether an admin suspension is currently in effect.
func (q *Queue) IsSuspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// PopDue returns every message now due, draining the queue's own
// structure (timer-wheel or skip-list strategies only — singleton
// strategies are driven by the shared sweeper via onSingletonExpired).
// Returns nothing while the queue is administratively suspended.
func (q *Queue) PopDue(now time.Time) []*mtamsg.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.suspended {
		return nil
	}

	var due []*mtamsg.Message
	switch {
	case q.wheel != nil:
		due = q.wheel.Pop(now)
	case q.strategy == policy.StrategySkipList:
		for q.heap.Len() > 0 {
			top, _ := q.heap.peekDue()
			if top.After(now) {
				break
			}
			item := heap.Pop(&q.heap).(*skipItem)
			due = append(due, item.msg)
		}
	}
	if len(due) > 0 {
		q.length -= len(due)
		q.lastDispatch = now
	}
	return due
}

// onSingletonExpired is called by a Registry acting as the shared
// singleton wheel's Router when this queue's id becomes due. A miss
// (ok=false) means the message was already moved out of this queue (by
// a rebind/transfer) before the sweeper got to it — a harmless no-op,
// per the v2 race-safety design (§9). While suspended, the message is
// re-armed a short interval out instead of being released, so an admin
// suspension holds the singleton path the same way it holds PopDue.
func (q *Queue) onSingletonExpired(id uuid.UUID) {
	q.mu.Lock()
	msg, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if q.suspended {
		suspended := q.singleton
		q.mu.Unlock()
		if suspended != nil {
			suspended.Insert(time.Now().Add(5*time.Second), q.name, id)
		}
		return
	}
	delete(q.pending, id)
	q.length--
	q.lastDispatch = time.Now().UTC()
	q.mu.Unlock()

	if q.onReady != nil {
		q.onReady(msg)
	}
}

// Snapshot returns every message currently held, without removing any of
// them, for admin inspection (`inspect-sched-q`) and to find xfer
// candidates prior to rebinding them one at a time via Rebind/Transfer.
func (q *Queue) Snapshot() []*mtamsg.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.wheel != nil:
		return q.wheel.Snapshot()
	case q.singleton != nil:
		out := make([]*mtamsg.Message, 0, len(q.pending))
		for _, m := range q.pending {
			out = append(out, m)
		}
		return out
	default:
		out := make([]*mtamsg.Message, 0, len(q.heap))
		for _, it := range q.heap {
			out = append(out, it.msg)
		}
		return out
	}
}

// removeMessage removes id from whichever structure currently holds it,
// reporting whether it was found. Used by Rebind/Transfer. For the
// singleton strategies, a best-effort Cancel is also issued against the
// shared wheel; if the sweeper already popped it, that Cancel fails
// harmlessly and the (by-then-stale) RouteExpired call will find nothing
// in pending.
func (q *Queue) removeMessage(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.wheel != nil:
		n := q.wheel.Cancel(func(m *mtamsg.Message) bool { return m.ID() == id })
		if n > 0 {
			q.length -= n
		}
		return n > 0

	case q.singleton != nil:
		if _, ok := q.pending[id]; !ok {
			return false
		}
		delete(q.pending, id)
		q.length--
		q.singleton.Cancel(q.name, id)
		return true

	default:
		for i, it := range q.heap {
			if it.msg.ID() == id {
				heap.Remove(&q.heap, i)
				q.length--
				return true
			}
		}
		return false
	}
}

// IsIdle reports whether the queue is empty and has been idle (no
// dispatch, and past its creation) for at least grace — the maintainer's
// destroy condition (§3.3).
func (q *Queue) IsIdle(now time.Time, grace time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length != 0 {
		return false
	}
	since := q.createdAt
	if !q.lastDispatch.IsZero() {
		since = q.lastDispatch
	}
	return now.Sub(since) >= grace
}

// Rebind replaces msg's queue by removing it from oldQ (if present) and
// inserting it into newQ, bumping num_attempts, resetting due to now, and
// logging AdminRebind. Per §4.5 this does not count as a delivery attempt
// for retry back-off purposes.
func Rebind(ctx context.Context, msg *mtamsg.Message, oldQ, newQ *Queue, recordLog *logging.RecordLogger) (InsertResult, error) {
	if oldQ != nil {
		oldQ.removeMessage(msg.ID())
	}
	msg.IncrementAttempts()
	msg.SetDue(nil)

	if recordLog != nil {
		_ = recordLog.Log(logging.Record{
			Kind:        logging.AdminRebind,
			SpoolID:     msg.ID().String(),
			Queue:       newQ.name,
			NumAttempts: msg.NumAttempts(),
		})
	}
	return newQ.Insert(ctx, msg)
}

// Transfer rebinds msg onto transferQ (whose name encodes the target
// endpoint per the Xfer glossary entry) and additionally logs XferOut on
// the source side; the sink's XferIn/Delayed pair is logged by the
// transfer-ingress endpoint on the receiving MTA, outside this package.
func Transfer(ctx context.Context, msg *mtamsg.Message, oldQ, transferQ *Queue, recordLog *logging.RecordLogger) (InsertResult, error) {
	res, err := Rebind(ctx, msg, oldQ, transferQ, recordLog)
	if err != nil {
		return res, err
	}
	if recordLog != nil {
		_ = recordLog.Log(logging.Record{
			Kind:    logging.XferOut,
			SpoolID: msg.ID().String(),
			Queue:   transferQ.name,
		})
	}
	return res, nil
}
