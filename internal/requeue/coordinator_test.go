package requeue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/queuemanager"
	"github.com/relaycore/kumogo/internal/schedqueue"
	"github.com/relaycore/kumogo/internal/timerqueue"
)

type fakeSpool struct {
	mu      sync.Mutex
	removed map[uuid.UUID]bool
}

func newFakeSpool() *fakeSpool { return &fakeSpool{removed: map[uuid.UUID]bool{}} }

func (s *fakeSpool) SaveMeta(ctx context.Context, id uuid.UUID, meta []byte) error { return nil }
func (s *fakeSpool) LoadMeta(ctx context.Context, id uuid.UUID) ([]byte, error)    { return nil, nil }
func (s *fakeSpool) SaveData(ctx context.Context, id uuid.UUID, data []byte) error { return nil }
func (s *fakeSpool) LoadData(ctx context.Context, id uuid.UUID) ([]byte, error)    { return nil, nil }
func (s *fakeSpool) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[id] = true
	return nil
}
func (s *fakeSpool) Enumerate(ctx context.Context, fn func(uuid.UUID) error) error { return nil }
func (s *fakeSpool) wasRemoved(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed[id]
}

type testHooks struct {
	policy.Static
	requeueFn func(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse, inc bool, delay *float64) (policy.RequeueDecision, error)
}

func (h *testHooks) RequeueMessage(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse, inc bool, delay *float64) (policy.RequeueDecision, error) {
	if h.requeueFn != nil {
		return h.requeueFn(ctx, msg, resp, inc, delay)
	}
	return h.Static.RequeueMessage(ctx, msg, resp, inc, delay)
}

func newTestMsg() *mtamsg.Message {
	return mtamsg.NewDirty(
		mtamsg.Address{Mailbox: "s", Domain: "example.com"},
		mtamsg.Address{Mailbox: "r", Domain: "example.net"},
		nil, []byte("Subject: x\r\n\r\nbody"),
	)
}

func newCoordinator(hooks policy.Hooks, sp *fakeSpool, recordLog *logging.RecordLogger) (*Coordinator, *queuemanager.Manager[*schedqueue.Queue], *map[string]*schedqueue.Queue) {
	mgr := queuemanager.New[*schedqueue.Queue]()
	created := map[string]*schedqueue.Queue{}
	create := func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		q := schedqueue.New(name, hooks, func(*mtamsg.Message) {}, schedqueue.WithRecordLogger(recordLog))
		created[name] = q
		return q, nil
	}
	c := New(hooks, sp, mgr, recordLog, timerqueue.RetryPolicy{Base: time.Second, Growth: 2}, create)
	return c, mgr, &created
}

func TestRequeuePlainBackoffInsertsWithIncrementedAttempts(t *testing.T) {
	hooks := &testHooks{}
	sp := newFakeSpool()
	c, _, created := newCoordinator(hooks, sp, nil)

	msg := newTestMsg()
	err := c.Requeue(context.Background(), msg, policy.SMTPResponse{Code: 450, Message: "try later"})
	require.NoError(t, err)

	assert.Equal(t, uint16(1), msg.NumAttempts())
	require.NotNil(t, msg.Due())
	assert.True(t, msg.Due().After(time.Now().UTC()))
	assert.False(t, sp.wasRemoved(msg.ID()))
	assert.Len(t, *created, 1)
}

func TestRequeueRebindWhenPolicyChangesQueueName(t *testing.T) {
	hooks := &testHooks{
		requeueFn: func(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse, inc bool, delay *float64) (policy.RequeueDecision, error) {
			return policy.RequeueDecision{NewQueueName: "quarantine@example.net"}, nil
		},
	}
	sp := newFakeSpool()
	var logged []logging.Record
	var mu sync.Mutex
	rl := logging.NewRecordLogger(&recordingWriter{onLine: func(r logging.Record) {
		mu.Lock()
		logged = append(logged, r)
		mu.Unlock()
	}})
	c, _, created := newCoordinator(hooks, sp, rl)

	msg := newTestMsg()
	err := c.Requeue(context.Background(), msg, policy.SMTPResponse{Code: 450})
	require.NoError(t, err)

	_, ok := (*created)["quarantine@example.net"]
	assert.True(t, ok)
	assert.Equal(t, uint16(1), msg.NumAttempts())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, logged)
	assert.Equal(t, logging.AdminRebind, logged[0].Kind)
}

func TestRequeueRejectRemovesFromSpoolAndLogsBounce(t *testing.T) {
	hooks := &testHooks{
		requeueFn: func(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse, inc bool, delay *float64) (policy.RequeueDecision, error) {
			return policy.RequeueDecision{Reject: &policy.RejectDecision{Code: 550, Reason: "suppressed"}}, nil
		},
	}
	sp := newFakeSpool()
	c, _, created := newCoordinator(hooks, sp, nil)

	msg := newTestMsg()
	err := c.Requeue(context.Background(), msg, policy.SMTPResponse{Code: 450})
	require.NoError(t, err)

	assert.True(t, sp.wasRemoved(msg.ID()))
	assert.Empty(t, *created)
}

func TestRequeueHonorsDelayOverride(t *testing.T) {
	delay := 5.0
	hooks := &testHooks{
		requeueFn: func(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse, inc bool, d *float64) (policy.RequeueDecision, error) {
			return policy.RequeueDecision{Delay: &delay}, nil
		},
	}
	sp := newFakeSpool()
	c, _, _ := newCoordinator(hooks, sp, nil)

	msg := newTestMsg()
	before := time.Now().UTC()
	err := c.Requeue(context.Background(), msg, policy.SMTPResponse{Code: 450})
	require.NoError(t, err)

	require.NotNil(t, msg.Due())
	assert.WithinDuration(t, before.Add(5*time.Second), *msg.Due(), 2*time.Second)
}

// recordingWriter adapts a callback to io.Writer for inspecting logged
// Records without parsing JSON back out in the test.
type recordingWriter struct {
	onLine func(logging.Record)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	var r logging.Record
	if err := json.Unmarshal(p, &r); err == nil {
		w.onLine(r)
	}
	return len(p), nil
}
