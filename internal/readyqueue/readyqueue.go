// Package readyqueue implements the ready queue (C7): a bounded FIFO of
// messages ready for delivery to one (site, egress-source, egress-pool)
// destination, backed by a semaphore-limited pool of dispatcher tasks,
// a path-config snapshot, connection-rate throttling, and TLS-mode
// resolution with DANE/MTA-STS upgrades.
package readyqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/mtaerr"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
)

// Key identifies a ready queue: (site-name, egress-source, egress-pool).
type Key struct {
	Site   string
	Source string
	Pool   string
}

func (k Key) String() string { return k.Site + "|" + k.Source + "|" + k.Pool }

// PeerMetrics is the per-peer delivery counters named in §3.4.
type PeerMetrics struct {
	Attempts  atomic.Int64
	Delivered atomic.Int64
	Transient atomic.Int64
	Permanent atomic.Int64
}

// DispatchFunc drives one message to completion against peer (host:port)
// and reports its outcome; the protocol state machine itself is the
// dispatcher's concern (C8), not the ready queue's.
type DispatchFunc func(ctx context.Context, peer string, msg *mtamsg.Message) error

// ErrFull is returned by Enqueue when the bounded FIFO has no room.
var ErrFull = fmt.Errorf("readyqueue: fifo full")

// ReadyQueue is one (site, source, pool) dispatch pool.
type ReadyQueue struct {
	key   Key
	hooks policy.Hooks

	recordLog *logging.RecordLogger
	throttle  *ConnectionThrottle
	resolver  Resolver

	cfgTTL time.Duration

	mu             sync.Mutex
	cfg            policy.EgressPathConfig
	cfgLoaded      bool
	cfgExpiry      time.Time
	peers          []string
	suspended      bool
	suspendedUntil time.Time
	lastDispatch   time.Time

	metricsMu sync.Mutex
	metrics   map[string]*PeerMetrics

	fifo chan *mtamsg.Message

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a ReadyQueue at construction.
type Option func(*ReadyQueue)

func WithConnectionThrottle(t *ConnectionThrottle) Option {
	return func(rq *ReadyQueue) { rq.throttle = t }
}

func WithResolver(r Resolver) Option {
	return func(rq *ReadyQueue) { rq.resolver = r }
}

func WithRecordLogger(rl *logging.RecordLogger) Option {
	return func(rq *ReadyQueue) { rq.recordLog = rl }
}

func WithConfigTTL(ttl time.Duration) Option {
	return func(rq *ReadyQueue) { rq.cfgTTL = ttl }
}

// New constructs a ReadyQueue with a bounded FIFO of the given capacity.
func New(key Key, hooks policy.Hooks, fifoCapacity int, opts ...Option) *ReadyQueue {
	rq := &ReadyQueue{
		key:      key,
		hooks:    hooks,
		cfgTTL:   30 * time.Second,
		resolver: NewNetResolver(),
		throttle: NewConnectionThrottle(nil),
		metrics:  map[string]*PeerMetrics{},
		fifo:     make(chan *mtamsg.Message, fifoCapacity),
	}
	for _, o := range opts {
		o(rq)
	}
	return rq
}

func (rq *ReadyQueue) Key() Key { return rq.key }

func (rq *ReadyQueue) resolveConfig(ctx context.Context) (policy.EgressPathConfig, error) {
	rq.mu.Lock()
	if rq.cfgLoaded && time.Now().Before(rq.cfgExpiry) {
		cfg := rq.cfg
		rq.mu.Unlock()
		return cfg, nil
	}
	rq.mu.Unlock()

	cfg, err := rq.hooks.GetEgressPathConfig(ctx, rq.key.Site, rq.key.Source, rq.key.Pool)
	if err != nil {
		return policy.EgressPathConfig{}, fmt.Errorf("readyqueue %s: get_egress_path_config: %w", rq.key, err)
	}

	rq.mu.Lock()
	rq.cfg = cfg
	rq.cfgExpiry = time.Now().Add(rq.cfgTTL)
	rq.cfgLoaded = true
	rq.mu.Unlock()
	return cfg, nil
}

// ResolvePeers refreshes the resolved peer address list for domain,
// honoring prohibited_hosts/skip_hosts/mx_list. A ProhibitedBounce result
// means every candidate peer was prohibited: the caller must bulk-bounce
// (550 5.4.4) every message currently queued (§4.7).
func (rq *ReadyQueue) ResolvePeers(ctx context.Context, domain string) (ResolvedPeers, error) {
	cfg, err := rq.resolveConfig(ctx)
	if err != nil {
		return ResolvedPeers{}, err
	}
	resolved, err := ResolveMX(ctx, rq.resolver, domain, cfg)
	if err != nil {
		return ResolvedPeers{}, err
	}
	rq.mu.Lock()
	rq.peers = resolved.Hosts
	rq.mu.Unlock()
	return resolved, nil
}

// Peers returns the currently resolved peer list.
func (rq *ReadyQueue) Peers() []string {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return append([]string{}, rq.peers...)
}

// Enqueue admits msg to the bounded FIFO, failing with ErrFull if there is
// no room (the caller is responsible for any backpressure response).
func (rq *ReadyQueue) Enqueue(msg *mtamsg.Message) error {
	select {
	case rq.fifo <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Len reports the number of messages currently queued.
func (rq *ReadyQueue) Len() int { return len(rq.fifo) }

// Suspend halts new dispatchers for this ready queue; in-flight
// deliveries are not interrupted (§5 Cancellation).
func (rq *ReadyQueue) Suspend() {
	rq.mu.Lock()
	rq.suspended = true
	rq.mu.Unlock()
}

// SuspendCancel lifts an administrative suspension.
func (rq *ReadyQueue) SuspendCancel() {
	rq.mu.Lock()
	rq.suspended = false
	rq.mu.Unlock()
}

// BackOff parks the whole ready queue for delay, per the connection-rate
// throttle contract ("retry-after >= idle-timeout causes the whole ready
// queue to back off for that delay", §4.7).
func (rq *ReadyQueue) BackOff(delay time.Duration) {
	rq.mu.Lock()
	rq.suspendedUntil = time.Now().Add(delay)
	rq.mu.Unlock()
}

func (rq *ReadyQueue) blocked() (bool, time.Duration) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if rq.suspended {
		return true, 0
	}
	if !rq.suspendedUntil.IsZero() && time.Now().Before(rq.suspendedUntil) {
		return true, time.Until(rq.suspendedUntil)
	}
	return false, 0
}

func (rq *ReadyQueue) peerMetrics(peer string) *PeerMetrics {
	rq.metricsMu.Lock()
	defer rq.metricsMu.Unlock()
	pm, ok := rq.metrics[peer]
	if !ok {
		pm = &PeerMetrics{}
		rq.metrics[peer] = pm
	}
	return pm
}

// PeerMetricsFor returns the metrics recorded for peer, for inspection.
func (rq *ReadyQueue) PeerMetricsFor(peer string) *PeerMetrics { return rq.peerMetrics(peer) }

// Run starts a pool of up to cfg.MaxConnections dispatcher goroutines
// that pull messages off the FIFO, apply the connection-rate throttle,
// pick the next peer round-robin, and invoke dispatch. Mirrors the
// teacher's worker-pool lifecycle: derived ctx/cancel, WaitGroup, and an
// idempotent Start/Stop pair guarded by a running flag.
func (rq *ReadyQueue) Run(ctx context.Context, dispatch DispatchFunc) error {
	rq.runMu.Lock()
	if rq.running {
		rq.runMu.Unlock()
		return fmt.Errorf("readyqueue %s: already running", rq.key)
	}
	cfg, err := rq.resolveConfig(ctx)
	if err != nil {
		rq.runMu.Unlock()
		return err
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	rq.cancel = cancel
	rq.running = true
	rq.runMu.Unlock()

	for i := 0; i < maxConns; i++ {
		rq.wg.Add(1)
		go rq.worker(runCtx, dispatch)
	}
	return nil
}

// Stop signals every dispatcher goroutine to finish its in-flight message
// and exit, then waits for them.
func (rq *ReadyQueue) Stop() {
	rq.runMu.Lock()
	if !rq.running {
		rq.runMu.Unlock()
		return
	}
	rq.running = false
	cancel := rq.cancel
	rq.runMu.Unlock()

	cancel()
	rq.wg.Wait()
}

func (rq *ReadyQueue) worker(ctx context.Context, dispatch DispatchFunc) {
	defer rq.wg.Done()
	peerIdx := 0

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-rq.fifo:
			if !ok {
				return
			}
			rq.deliverOne(ctx, msg, dispatch, &peerIdx)
		}
	}
}

const suspendedRetryInterval = 50 * time.Millisecond

func (rq *ReadyQueue) deliverOne(ctx context.Context, msg *mtamsg.Message, dispatch DispatchFunc, peerIdx *int) {
	if blocked, delay := rq.blocked(); blocked {
		if delay <= 0 {
			delay = suspendedRetryInterval
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		// Graceful-shutdown or suspension: re-admit the message rather than
		// drop it; a caller observing ctx.Done() is expected to persist it.
		_ = rq.Enqueue(msg)
		return
	}

	rq.mu.Lock()
	peers := rq.peers
	rq.mu.Unlock()
	if len(peers) == 0 {
		_ = rq.Enqueue(msg)
		return
	}
	peer := peers[*peerIdx%len(peers)]
	*peerIdx++

	cfg, err := rq.resolveConfig(ctx)
	if err == nil && rq.throttle != nil {
		allowed, retryAfter, terr := rq.throttle.Allow(ctx, rq.key.Site, cfg.MaxConnectionRate)
		if terr == nil && !allowed {
			if retryAfter >= time.Duration(cfg.IdleTimeoutSecs*float64(time.Second)) {
				rq.BackOff(retryAfter)
			}
			_ = rq.Enqueue(msg)
			return
		}
	}

	pm := rq.peerMetrics(peer)
	pm.Attempts.Add(1)

	if err := dispatch(ctx, peer, msg); err != nil {
		if mtaerr.Is(err, mtaerr.KindPermanent) {
			pm.Permanent.Add(1)
		} else {
			pm.Transient.Add(1)
		}
		return
	}
	pm.Delivered.Add(1)

	rq.mu.Lock()
	rq.lastDispatch = time.Now().UTC()
	rq.mu.Unlock()
}
