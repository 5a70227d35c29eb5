package readyqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// connRateLuaScript atomically checks and increments a fixed-window
// per-site connection counter, adapted from the teacher's domain-limit
// rate-limiting idiom (single Lua script, atomic check-then-increment,
// self-expiring key) but keyed per egress site instead of per ESP.
const connRateLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`

// ConnectionThrottle gates new outbound connections to a site at
// max_connection_rate per second (§4.7). Backed by Redis when configured
// (shared across a fleet of kumod processes dispatching to the same
// site); falls back to an in-memory per-process fixed-window counter
// otherwise, mirroring the queue manager's dual-mode negative cache.
type ConnectionThrottle struct {
	redis  *redis.Client
	script *redis.Script

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	windowStart int64
	count       int
}

func NewConnectionThrottle(redisClient *redis.Client) *ConnectionThrottle {
	t := &ConnectionThrottle{redis: redisClient, local: map[string]*localWindow{}}
	if redisClient != nil {
		t.script = redis.NewScript(connRateLuaScript)
	}
	return t
}

// Allow reports whether a new connection to site may be opened right now
// given maxPerSecond; if not, retryAfter is how long the caller must wait.
// Per §4.7, a retryAfter at least as long as the ready queue's idle
// timeout should cause the whole ready queue to back off rather than
// retry per-connection.
func (t *ConnectionThrottle) Allow(ctx context.Context, site string, maxPerSecond int) (bool, time.Duration, error) {
	if maxPerSecond <= 0 {
		return true, 0, nil
	}
	now := time.Now()
	if t.redis != nil {
		key := fmt.Sprintf("kumogo:conn:%s:%d", site, now.Unix())
		result, err := t.script.Run(ctx, t.redis, []string{key}, maxPerSecond, 2).Slice()
		if err != nil {
			return false, 0, fmt.Errorf("connection throttle: %w", err)
		}
		allowed := result[0].(int64) == 1
		if allowed {
			return true, 0, nil
		}
		return false, time.Duration(1e9-now.Nanosecond()) * time.Nanosecond, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.local[site]
	sec := now.Unix()
	if !ok || w.windowStart != sec {
		w = &localWindow{windowStart: sec}
		t.local[site] = w
	}
	if w.count+1 > maxPerSecond {
		return false, time.Duration(1e9-now.Nanosecond()) * time.Nanosecond, nil
	}
	w.count++
	return true, 0, nil
}
