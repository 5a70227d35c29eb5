package schedqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/timerqueue"
)

func newMsg() *mtamsg.Message {
	return mtamsg.NewDirty(
		mtamsg.Address{Mailbox: "s", Domain: "example.com"},
		mtamsg.Address{Mailbox: "r", Domain: "example.com"},
		nil, []byte("Subject: x\r\n\r\nbody"),
	)
}

func staticHooks(strategy policy.QueueStrategy) *policy.Static {
	return &policy.Static{DefaultQueueConfig: policy.QueueConfig{Strategy: strategy}}
}

func TestInsertTimerWheelDueImmediatelyIsFull(t *testing.T) {
	q := New("example.com", staticHooks(policy.StrategyTimerWheel), nil)
	msg := newMsg()
	past := time.Now().Add(-time.Minute)
	msg.SetDue(&past)

	res, err := q.Insert(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.Equal(t, 0, q.Len())
}

func TestInsertTimerWheelNeverNotifies(t *testing.T) {
	q := New("example.com", staticHooks(policy.StrategyTimerWheel), nil)
	msg := newMsg()
	due := time.Now().Add(time.Hour)
	msg.SetDue(&due)

	res, err := q.Insert(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, res.Full)
	assert.False(t, res.ShouldNotify)
	assert.Equal(t, 1, q.Len())
}

func TestSkipListNotifiesOnlyWhenEarliestMoves(t *testing.T) {
	q := New("example.com", staticHooks(policy.StrategySkipList), nil)
	m1, m2, m3 := newMsg(), newMsg(), newMsg()

	t10 := time.Now().Add(10 * time.Minute)
	t5 := time.Now().Add(5 * time.Minute)
	t20 := time.Now().Add(20 * time.Minute)
	m1.SetDue(&t10)
	m2.SetDue(&t5)
	m3.SetDue(&t20)

	res1, err := q.Insert(context.Background(), m1)
	require.NoError(t, err)
	assert.True(t, res1.ShouldNotify, "first insert always establishes the earliest")

	res2, err := q.Insert(context.Background(), m2)
	require.NoError(t, err)
	assert.True(t, res2.ShouldNotify, "earlier due time moves the earliest forward in time")

	res3, err := q.Insert(context.Background(), m3)
	require.NoError(t, err)
	assert.False(t, res3.ShouldNotify, "later due time does not move the earliest")
}

func TestSkipListPopDueOrdersByDueTime(t *testing.T) {
	q := New("example.com", staticHooks(policy.StrategySkipList), nil)
	base := time.Now()
	m1, m2 := newMsg(), newMsg()
	d1 := base.Add(time.Second)
	d2 := base.Add(2 * time.Second)
	m1.SetDue(&d1)
	m2.SetDue(&d2)
	_, err := q.Insert(context.Background(), m1)
	require.NoError(t, err)
	_, err = q.Insert(context.Background(), m2)
	require.NoError(t, err)

	due := q.PopDue(base.Add(3 * time.Second))
	require.Len(t, due, 2)
	assert.Equal(t, m1.ID(), due[0].ID())
	assert.Equal(t, m2.ID(), due[1].ID())
	assert.Equal(t, 0, q.Len())
}

func TestSnapshotReturnsMessagesWithoutRemovingThem(t *testing.T) {
	q := New("example.com", staticHooks(policy.StrategyTimerWheel), nil)
	msg := newMsg()
	due := time.Now().Add(time.Hour)
	msg.SetDue(&due)
	_, err := q.Insert(context.Background(), msg)
	require.NoError(t, err)

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, msg.ID(), snap[0].ID())
	assert.Equal(t, 1, q.Len(), "snapshot must not drain the queue")
}

func TestSnapshotCoversSkipListStrategy(t *testing.T) {
	q := New("example.com", staticHooks(policy.StrategySkipList), nil)
	m1, m2 := newMsg(), newMsg()
	d1 := time.Now().Add(time.Minute)
	d2 := time.Now().Add(2 * time.Minute)
	m1.SetDue(&d1)
	m2.SetDue(&d2)
	_, err := q.Insert(context.Background(), m1)
	require.NoError(t, err)
	_, err = q.Insert(context.Background(), m2)
	require.NoError(t, err)

	snap := q.Snapshot()
	assert.Len(t, snap, 2)
}

func TestSingletonWheelRoutesToOwningQueueViaRegistry(t *testing.T) {
	reg := NewRegistry()
	wheel := timerqueue.NewSingletonWheel(time.Millisecond, 4, reg)

	var got *mtamsg.Message
	q := New("a.example.com", staticHooks(policy.StrategySingletonTimerWheelV2),
		func(m *mtamsg.Message) { got = m },
		WithSingletonWheel(wheel))
	reg.Register(q)

	msg := newMsg()
	due := time.Now().Add(10 * time.Millisecond)
	msg.SetDue(&due)

	res, err := q.Insert(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, res.Full)
	assert.Equal(t, 1, q.Len())

	wheel.Sweep(time.Now().Add(20 * time.Millisecond))

	require.NotNil(t, got)
	assert.Equal(t, msg.ID(), got.ID())
	assert.Equal(t, 0, q.Len())
}

func TestSuspendHaltsPopDueUntilCancelled(t *testing.T) {
	q := New("example.com", staticHooks(policy.StrategyTimerWheel), nil)
	msg := newMsg()
	past := time.Now().Add(-time.Minute)
	msg.SetDue(&past)
	due := time.Now().Add(time.Millisecond)
	msg.SetDue(&due)
	_, err := q.Insert(context.Background(), msg)
	require.NoError(t, err)

	q.Suspend()
	assert.True(t, q.IsSuspended())
	assert.Empty(t, q.PopDue(time.Now().Add(time.Second)), "suspended queue releases nothing")
	assert.Equal(t, 1, q.Len(), "message stays held while suspended")

	q.SuspendCancel()
	assert.False(t, q.IsSuspended())
	assert.Len(t, q.PopDue(time.Now().Add(time.Second)), 1)
}

func TestRebindMovesMessageBetweenQueuesAndLogsAdminRebind(t *testing.T) {
	reg := NewRegistry()
	oldQ := New("old.example.com", staticHooks(policy.StrategyTimerWheel), nil)
	newQ := New("new.example.com", staticHooks(policy.StrategyTimerWheel), nil)
	reg.Register(oldQ)
	reg.Register(newQ)

	msg := newMsg()
	due := time.Now().Add(time.Hour)
	msg.SetDue(&due)
	_, err := oldQ.Insert(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, oldQ.Len())

	before := msg.NumAttempts()
	res, err := Rebind(context.Background(), msg, oldQ, newQ, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, oldQ.Len())
	assert.True(t, res.Full, "due was reset to now, so rebind routes directly")
	assert.Equal(t, before+1, msg.NumAttempts())
}

func TestQueueBecomesIdleOnlyAfterGraceAndEmpty(t *testing.T) {
	q := New("example.com", staticHooks(policy.StrategyTimerWheel), nil)
	now := q.createdAt
	assert.False(t, q.IsIdle(now, time.Minute))
	assert.True(t, q.IsIdle(now.Add(2*time.Minute), time.Minute))
}

func TestMaintainDestroysOnlyIdleQueues(t *testing.T) {
	reg := NewRegistry()
	idle := New("idle.example.com", staticHooks(policy.StrategyTimerWheel), nil)
	idle.createdAt = time.Now().Add(-time.Hour)
	busy := New("busy.example.com", staticHooks(policy.StrategyTimerWheel), nil)
	msg := newMsg()
	due := time.Now().Add(time.Hour)
	msg.SetDue(&due)
	_, err := busy.Insert(context.Background(), msg)
	require.NoError(t, err)

	reg.Register(idle)
	reg.Register(busy)

	destroyed := reg.Maintain(time.Now(), time.Minute)
	assert.Equal(t, []string{"idle.example.com"}, destroyed)
	assert.Equal(t, 1, reg.Len())
}
