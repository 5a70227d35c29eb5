package queuemanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct{ name string }

func TestResolveSingleFlight(t *testing.T) {
	m := New[*fakeQueue]()
	var calls atomic.Int32

	create := func(ctx context.Context, name string) (*fakeQueue, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &fakeQueue{name: name}, nil
	}

	var wg sync.WaitGroup
	results := make([]*fakeQueue, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := m.Resolve(context.Background(), "queue-a", create)
			require.NoError(t, err)
			results[i] = q
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, q := range results {
		require.NotNil(t, q)
		assert.Same(t, results[0], q)
	}
}

func TestResolveCachesHandle(t *testing.T) {
	m := New[*fakeQueue]()
	var calls atomic.Int32
	create := func(ctx context.Context, name string) (*fakeQueue, error) {
		calls.Add(1)
		return &fakeQueue{name: name}, nil
	}

	q1, err := m.Resolve(context.Background(), "x", create)
	require.NoError(t, err)
	q2, err := m.Resolve(context.Background(), "x", create)
	require.NoError(t, err)

	assert.Same(t, q1, q2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveNegativeCachesFailure(t *testing.T) {
	m := New[*fakeQueue]()
	m.NegativeTTL = 50 * time.Millisecond
	var calls atomic.Int32
	create := func(ctx context.Context, name string) (*fakeQueue, error) {
		calls.Add(1)
		return nil, fmt.Errorf("boom")
	}

	_, err := m.Resolve(context.Background(), "bad", create)
	assert.Error(t, err)

	_, err = m.Resolve(context.Background(), "bad", create)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second resolve should be served from the negative cache")

	time.Sleep(60 * time.Millisecond)
	_, err = m.Resolve(context.Background(), "bad", create)
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load(), "negative cache entry should have expired")
}

func TestEvictForcesRecreate(t *testing.T) {
	m := New[*fakeQueue]()
	var calls atomic.Int32
	create := func(ctx context.Context, name string) (*fakeQueue, error) {
		calls.Add(1)
		return &fakeQueue{name: name}, nil
	}

	_, err := m.Resolve(context.Background(), "y", create)
	require.NoError(t, err)
	m.Evict("y")
	_, err = m.Resolve(context.Background(), "y", create)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestResolveDifferentNamesDoNotBlockEachOther(t *testing.T) {
	m := New[*fakeQueue]()
	create := func(ctx context.Context, name string) (*fakeQueue, error) {
		return &fakeQueue{name: name}, nil
	}

	q1, err := m.Resolve(context.Background(), "a", create)
	require.NoError(t, err)
	q2, err := m.Resolve(context.Background(), "b", create)
	require.NoError(t, err)

	assert.Equal(t, "a", q1.name)
	assert.Equal(t, "b", q2.name)
	assert.Equal(t, 2, m.Len())
}

func TestSnapshotOmitsNegativelyCachedEntries(t *testing.T) {
	m := New[*fakeQueue]()
	create := func(ctx context.Context, name string) (*fakeQueue, error) {
		return &fakeQueue{name: name}, nil
	}
	failCreate := func(ctx context.Context, name string) (*fakeQueue, error) {
		return nil, fmt.Errorf("boom")
	}

	_, err := m.Resolve(context.Background(), "ok", create)
	require.NoError(t, err)
	_, err = m.Resolve(context.Background(), "bad", failCreate)
	require.Error(t, err)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "ok", snap["ok"].name)
}
