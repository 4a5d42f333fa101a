package fieldstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/internal/backoff"
)

func newTestQueue(t *testing.T, policy backoff.Policy) (*Queue, *testClock) {
	t.Helper()
	clock := newTestClock()
	s := newTestStore(t, WithClock(clock.Now))
	return NewQueue(s, policy, nil), clock
}

func TestQueue_NextBatchOrdering(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, backoff.DefaultQueuePolicy())

	first, err := q.Enqueue(ctx, ItemFormSubmission, "1", PriorityNormal)
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	second, err := q.Enqueue(ctx, ItemFormSubmission, "2", PriorityNormal)
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	media, err := q.Enqueue(ctx, ItemMediaUpload, "m1", PriorityMedia)
	require.NoError(t, err)

	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, media, batch[0].ID, "higher priority first")
	require.Equal(t, first, batch[1].ID)
	require.Equal(t, second, batch[2].ID)

	limited, err := q.NextBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestQueue_MarkCompletedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, backoff.DefaultQueuePolicy())

	id, err := q.Enqueue(ctx, ItemFormSubmission, "1", PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))
	_, err = q.MarkError(ctx, id, "server busy")
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))

	require.NoError(t, q.MarkCompleted(ctx, id))
	require.NoError(t, q.MarkCompleted(ctx, id))

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, item.Status)
	require.Equal(t, 1, item.Attempts)

	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestQueue_BackoffUntilFailed(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, backoff.Policy{Base: time.Second, Ceiling: 30 * time.Minute, MaxAttempts: 3})

	id, err := q.Enqueue(ctx, ItemFormSubmission, "1", PriorityNormal)
	require.NoError(t, err)

	wantDelays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	wantStatus := []Status{StatusError, StatusError, StatusFailed}
	for attempt := 0; attempt < 3; attempt++ {
		batch, err := q.NextBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1, "attempt %d", attempt+1)
		require.NoError(t, q.MarkProcessing(ctx, id))

		now := clock.Now()
		item, err := q.MarkError(ctx, id, "HTTP 500")
		require.NoError(t, err)
		require.Equal(t, attempt+1, item.Attempts)
		require.Equal(t, wantStatus[attempt], item.Status)
		require.Equal(t, wantDelays[attempt], item.NextEligibleRetry.Sub(now))

		// not due yet
		batch, err = q.NextBatch(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, batch)

		clock.Advance(wantDelays[attempt])
	}

	clock.Advance(time.Hour)
	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, batch, "failed items are never drained again")

	_, err = q.MarkError(ctx, id, "again")
	require.ErrorIs(t, err, ErrInvalidTransition)
	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 3, item.Attempts)
}

func TestQueue_MarkFailedIsTerminal(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, backoff.DefaultQueuePolicy())

	id, err := q.Enqueue(ctx, ItemMediaUpload, "m1", PriorityMedia)
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))
	require.NoError(t, q.MarkFailed(ctx, id, "HTTP 400"))

	require.ErrorIs(t, q.MarkProcessing(ctx, id), ErrInvalidTransition)
	require.ErrorIs(t, q.MarkCompleted(ctx, id), ErrInvalidTransition)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, item.Status)
	require.Equal(t, 0, item.Attempts)
	require.Equal(t, "HTTP 400", item.LastError)
}

func TestQueue_ReleaseAndRecoverStale(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, backoff.DefaultQueuePolicy())

	a, err := q.Enqueue(ctx, ItemFormSubmission, "1", PriorityNormal)
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, ItemFormSubmission, "2", PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, a))
	require.NoError(t, q.MarkProcessing(ctx, b))

	require.NoError(t, q.Release(ctx, a))
	n, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	for _, item := range batch {
		require.Equal(t, StatusPending, item.Status)
		require.Equal(t, 0, item.Attempts)
	}
}

func TestQueue_RetryCreatesFreshItem(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, backoff.DefaultQueuePolicy())

	id, err := q.Enqueue(ctx, ItemFormSubmission, "7", PriorityNormal)
	require.NoError(t, err)

	_, err = q.Retry(ctx, id)
	require.ErrorIs(t, err, ErrInvalidTransition, "only failed items can be retried")

	require.NoError(t, q.MarkProcessing(ctx, id))
	require.NoError(t, q.MarkFailed(ctx, id, "HTTP 422"))

	fresh, err := q.Retry(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, id, fresh)

	item, err := q.Get(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, StatusPending, item.Status)
	require.Equal(t, "7", item.PayloadRef)
	require.Equal(t, 0, item.Attempts)

	active, err := q.HasActive(ctx, ItemFormSubmission, "7")
	require.NoError(t, err)
	require.True(t, active)

	_, err = q.Retry(ctx, id)
	require.ErrorIs(t, err, ErrInvalidTransition, "payload already queued")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[StatusFailed])
	require.Equal(t, 1, stats[StatusPending])
}
