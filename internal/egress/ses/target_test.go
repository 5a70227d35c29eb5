package ses

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
)

type fakeSpool struct {
	mu      sync.Mutex
	data    map[uuid.UUID][]byte
	removed map[uuid.UUID]bool
}

func newFakeSpool(body []byte, id uuid.UUID) *fakeSpool {
	return &fakeSpool{data: map[uuid.UUID][]byte{id: body}, removed: map[uuid.UUID]bool{}}
}

func (s *fakeSpool) SaveMeta(ctx context.Context, id uuid.UUID, meta []byte) error { return nil }
func (s *fakeSpool) LoadMeta(ctx context.Context, id uuid.UUID) ([]byte, error)    { return nil, nil }
func (s *fakeSpool) SaveData(ctx context.Context, id uuid.UUID, data []byte) error { return nil }
func (s *fakeSpool) LoadData(ctx context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[id], nil
}
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

type fakeRequeuer struct {
	mu    sync.Mutex
	calls []policy.SMTPResponse
}

func (r *fakeRequeuer) Requeue(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resp)
	return nil
}
func (r *fakeRequeuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeAPI struct {
	err error
}

func (f *fakeAPI) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{}, nil
}

func newTestMsg() *mtamsg.Message {
	return mtamsg.NewDirty(
		mtamsg.Address{Mailbox: "s", Domain: "example.com"},
		mtamsg.Address{Mailbox: "r", Domain: "example.net"},
		nil, []byte("Subject: x\r\n\r\nbody"),
	)
}

func TestDeliverSuccessRemovesFromSpool(t *testing.T) {
	msg := newTestMsg()
	sp := newFakeSpool(msg.Body(), msg.ID())
	target := NewTarget(&fakeAPI{}, sp, nil, nil, nil)

	require.NoError(t, target.Deliver(context.Background(), "", msg))
	assert.True(t, sp.wasRemoved(msg.ID()))
}

func TestDeliverThrottlingIsRoutedToRequeuer(t *testing.T) {
	msg := newTestMsg()
	sp := newFakeSpool(msg.Body(), msg.ID())
	requeuer := &fakeRequeuer{}
	target := NewTarget(&fakeAPI{err: &types.TooManyRequestsException{}}, sp, requeuer, nil, nil)

	err := target.Deliver(context.Background(), "", msg)
	require.Error(t, err)
	assert.Equal(t, 1, requeuer.count())
	assert.False(t, sp.wasRemoved(msg.ID()))
}

func TestDeliverMessageRejectedIsRemovedAsBounce(t *testing.T) {
	msg := newTestMsg()
	sp := newFakeSpool(msg.Body(), msg.ID())
	target := NewTarget(&fakeAPI{err: &types.MessageRejected{}}, sp, nil, nil, nil)

	err := target.Deliver(context.Background(), "", msg)
	require.NoError(t, err)
	assert.True(t, sp.wasRemoved(msg.ID()))
}

func TestClassifyErrorFallsBackToPermanentForUnknownError(t *testing.T) {
	resp := classifyError(errors.New("boom"))
	assert.Equal(t, 554, resp.Code)
}
