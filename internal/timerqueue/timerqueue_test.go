package timerqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertDueInPastReturnsImmediate(t *testing.T) {
	w := New[string](time.Millisecond, 4)
	due := w.Insert(time.Now().Add(-time.Hour), "past")
	assert.True(t, due)
}

func TestPopNeverReturnsNotYetDue(t *testing.T) {
	w := New[int](10*time.Millisecond, 4)
	base := w.start
	w.Insert(base.Add(50*time.Millisecond), 1)
	w.Insert(base.Add(500*time.Millisecond), 2)

	got := w.Pop(base.Add(40 * time.Millisecond))
	assert.Empty(t, got)

	got = w.Pop(base.Add(60 * time.Millisecond))
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0])

	got = w.Pop(base.Add(520 * time.Millisecond))
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0])
}

func TestEveryInsertedMessageEventuallyPops(t *testing.T) {
	w := New[int](time.Millisecond, 4)
	base := w.start
	for i := 0; i < 300; i++ {
		w.Insert(base.Add(time.Duration(i)*time.Millisecond+time.Millisecond), i)
	}
	// Single big jump exercises the catch-up path (>256 tier-0 ticks).
	got := w.Pop(base.Add(400 * time.Millisecond))
	assert.Len(t, got, 300)
}

func TestCancelRemovesPending(t *testing.T) {
	w := New[string](time.Millisecond, 4)
	w.Insert(w.start.Add(time.Hour), "x")
	n := w.Cancel(func(s string) bool { return s == "x" })
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, w.Len())
}

func TestSnapshotReturnsPendingEntriesAcrossTiers(t *testing.T) {
	w := New[int](time.Millisecond, 4)
	base := w.start
	w.Insert(base.Add(time.Millisecond), 1)
	w.Insert(base.Add(time.Hour), 2)

	snap := w.Snapshot()
	assert.ElementsMatch(t, []int{1, 2}, snap)
	assert.Equal(t, 2, w.Len(), "snapshot must not remove anything")
}

func TestRetryPolicyClampedByExpiry(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Growth: 2, JitterMax: 0}
	now := time.Now()
	expires := now.Add(5 * time.Second)
	due := p.NextDue(now, 10, &expires, 0)
	assert.Equal(t, expires, due)
}

func TestRetryPolicyGrowsWithAttempt(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Growth: 2, JitterMax: 0}
	now := time.Now()
	d0 := p.NextDue(now, 0, nil, 0)
	d1 := p.NextDue(now, 1, nil, 0)
	assert.True(t, d1.After(d0))
}
