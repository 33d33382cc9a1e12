package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

var now = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func mustRequest(t *testing.T, target string, seq int) Request {
	t.Helper()
	req, err := NewRequest(target, []int{seq}, fmt.Sprintf("seq-%d", seq), "", now.Add(time.Duration(seq)*time.Second))
	require.NoError(t, err)
	return req
}

func TestWorkerKeepsOneWriterPerTarget(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(64)
	targets := []string{"J1", "J2", "J3"}
	const perTarget = 10
	for seq := 0; seq < perTarget; seq++ {
		for _, target := range targets {
			require.NoError(t, q.Enqueue(context.Background(), mustRequest(t, target, seq)))
		}
	}

	var (
		mu       sync.Mutex
		inflight = map[string]int{}
		seen     = map[string][]int{}
		overlap  bool
		done     = make(chan struct{})
		total    int
	)
	handler := func(ctx context.Context, req Request) error {
		mu.Lock()
		inflight[req.TargetJobID]++
		if inflight[req.TargetJobID] > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inflight[req.TargetJobID]--
		seen[req.TargetJobID] = append(seen[req.TargetJobID], req.BatchIndices[0])
		total++
		if total == perTarget*len(targets) {
			close(done)
		}
		mu.Unlock()
		return nil
	}

	w := NewWorker(q, handler, WithPartitions(2))
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not process every request")
	}
	require.NoError(t, q.Close())
	require.NoError(t, <-errCh)

	assert.False(t, overlap, "two requests for the same target ran concurrently")
	for _, target := range targets {
		want := make([]int, perTarget)
		for i := range want {
			want[i] = i
		}
		assert.Equal(t, want, seen[target], "target %s processed out of order", target)
	}
}

func TestWorkerReportsFailuresWithoutRetry(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(4)
	require.NoError(t, q.Enqueue(context.Background(), mustRequest(t, "J1", 0)))

	var (
		mu      sync.Mutex
		calls   int
		results []error
	)
	reported := make(chan struct{}, 1)
	boom := errors.New("boom")
	w := NewWorker(q,
		func(ctx context.Context, req Request) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return boom
		},
		WithResultFunc(func(req Request, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
			reported <- struct{}{}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("no result reported")
	}
	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0], boom)
}

// scriptedQueue yields each step in order, then blocks until ctx is done.
type scriptedQueue struct {
	mu    sync.Mutex
	steps []func() (Request, error)
}

func (q *scriptedQueue) Enqueue(context.Context, Request) error { return nil }

func (q *scriptedQueue) Dequeue(ctx context.Context) (Request, error) {
	q.mu.Lock()
	if len(q.steps) > 0 {
		step := q.steps[0]
		q.steps = q.steps[1:]
		q.mu.Unlock()
		return step()
	}
	q.mu.Unlock()
	<-ctx.Done()
	return Request{}, ctx.Err()
}

func (q *scriptedQueue) Len(context.Context) (int, error) { return 0, nil }

func (q *scriptedQueue) Close() error { return nil }

func TestWorkerSurvivesBadMessagesAndDequeueFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	valid := mustRequest(t, "J1", 3)
	q := &scriptedQueue{steps: []func() (Request, error){
		func() (Request, error) { return decode([]byte("{not json")) },
		func() (Request, error) { return Request{}, errors.New("redis dequeue: connection reset") },
		func() (Request, error) { return valid, nil },
	}}

	var (
		mu      sync.Mutex
		handled []string
		results []error
	)
	processed := make(chan struct{})
	w := NewWorker(q,
		func(ctx context.Context, req Request) error {
			mu.Lock()
			handled = append(handled, req.RequestID)
			mu.Unlock()
			return nil
		},
		WithDequeueBackoff(time.Millisecond),
		WithResultFunc(func(req Request, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
			if err == nil {
				close(processed)
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-processed:
	case <-time.After(5 * time.Second):
		t.Fatal("valid request after a bad message was never handled")
	}
	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{valid.RequestID}, handled)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0], repairerrors.ErrInvalidInput)
	assert.NoError(t, results[1])
}

func TestWorkerStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(1)
	w := NewWorker(q, func(context.Context, Request) error { return nil }, WithRate(100, 1))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestPartitionIsStable(t *testing.T) {
	for _, target := range []string{"J1", "job-2026-07", "x"} {
		p := Partition(target, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, Partition(target, 8))
	}
}

func TestRequestValidation(t *testing.T) {
	_, err := NewRequest("", []int{1}, "r", "", now)
	assert.ErrorIs(t, err, repairerrors.ErrInvalidInput)

	_, err = NewRequest("J1", nil, "r", "", now)
	assert.ErrorIs(t, err, repairerrors.ErrInvalidInput)

	req, err := NewRequest("J1", []int{2, 1}, "r", "PATCH", now)
	require.NoError(t, err)
	assert.NotEmpty(t, req.RequestID)

	data, err := encode(req)
	require.NoError(t, err)
	back, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, back.RequestID)
	assert.True(t, back.RequestedAt.Equal(req.RequestedAt))
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(2)
	require.NoError(t, q.Enqueue(ctx, mustRequest(t, "J1", 1)))
	require.NoError(t, q.Enqueue(ctx, mustRequest(t, "J1", 2)))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	full, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(full, mustRequest(t, "J1", 3)), context.DeadlineExceeded)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, first.BatchIndices)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(ctx, mustRequest(t, "J1", 4)), ErrClosed)
}

func TestOpenSharedRefusesMemoryQueue(t *testing.T) {
	for _, typ := range []Type{"", TypeMemory} {
		_, err := OpenShared(context.Background(), Config{Type: typ})
		assert.ErrorIs(t, err, repairerrors.ErrInvalidInput)
		assert.Equal(t, "set queue.type=redis", repairerrors.HintOf(err))
	}

	q, err := Open(context.Background(), Config{Type: TypeMemory, Capacity: 1})
	require.NoError(t, err)
	assert.NoError(t, q.Close())
}

// TestRedisQueue_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisQueue_Integration(t *testing.T) {
	q := NewRedisQueue(RedisConfig{Addr: "localhost:6379", Key: "repair:test:" + time.Now().Format("150405.000000")})
	defer func() { _ = q.Close() }()
	ctx := context.Background()
	if err := q.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	a := mustRequest(t, "J1", 1)
	b := mustRequest(t, "J2", 2)
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.RequestID, got.RequestID, "queue must be FIFO")
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.RequestID, got.RequestID)
}
