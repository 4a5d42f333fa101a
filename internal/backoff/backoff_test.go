package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: time.Second, Ceiling: 30 * time.Second}

	require.Equal(t, time.Duration(0), p.Delay(0))
	require.Equal(t, 1*time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))
	require.Equal(t, 16*time.Second, p.Delay(5))
	require.Equal(t, 30*time.Second, p.Delay(6))
	require.Equal(t, 30*time.Second, p.Delay(200))
}

func TestPolicyExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))
	require.True(t, p.Exhausted(4))
	require.False(t, Policy{}.Exhausted(100))
}

func TestPolicyDo_RetriesRetryableErrors(t *testing.T) {
	p := Policy{Base: time.Millisecond, Ceiling: 2 * time.Millisecond, MaxAttempts: 4}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPolicyDo_StopsAfterMaxAttempts(t *testing.T) {
	p := Policy{Base: time.Millisecond, Ceiling: time.Millisecond, MaxAttempts: 4}
	boom := errors.New("boom")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Retryable(boom)
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 4, calls)
}

func TestPolicyDo_NonRetryableReturnsImmediately(t *testing.T) {
	p := DefaultChunkPolicy()
	boom := errors.New("bad request")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestPolicyDo_ContextCancelled(t *testing.T) {
	p := Policy{Base: time.Hour, Ceiling: time.Hour, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return Retryable(errors.New("offline"))
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
