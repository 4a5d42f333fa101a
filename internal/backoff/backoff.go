// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package backoff holds the single retry policy shared by queue-level and
// chunk-level retries.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy describes exponential backoff with a ceiling.
type Policy struct {
	Base        time.Duration // delay after the first failure
	Ceiling     time.Duration // upper bound for a single delay
	MaxAttempts int           // total attempts, including the first one
	Jitter      time.Duration // optional +/- jitter applied by Do
}

// DefaultQueuePolicy is used for sync queue items.
func DefaultQueuePolicy() Policy {
	return Policy{
		Base:        1 * time.Second,
		Ceiling:     30 * time.Minute,
		MaxAttempts: 5,
	}
}

// DefaultChunkPolicy is used for a single chunk upload: the first try plus three retries.
func DefaultChunkPolicy() Policy {
	return Policy{
		Base:        500 * time.Millisecond,
		Ceiling:     5 * time.Second,
		MaxAttempts: 4,
	}
}

// Delay returns min(Base*2^(attempt-1), Ceiling) for attempt >= 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Ceiling > 0 && d >= p.Ceiling {
			return p.Ceiling
		}
		if d <= 0 { // overflow
			return p.Ceiling
		}
	}
	if p.Ceiling > 0 && d > p.Ceiling {
		return p.Ceiling
	}
	return d
}

// Exhausted reports whether attempts has reached MaxAttempts.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Retryable marks err as retryable for Do.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retry.RetryableError(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. Only errors wrapped with Retryable are retried.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("backoff: nil func")
	}
	var b retry.Backoff = retry.BackoffFunc(p.nextFunc())
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}
	return retry.Do(ctx, b, fn)
}

func (p Policy) nextFunc() func() (time.Duration, bool) {
	attempt := 0
	return func() (time.Duration, bool) {
		attempt++
		d := p.Delay(attempt)
		if p.Jitter > 0 {
			d += time.Duration(rand.Int64N(int64(2*p.Jitter))) - p.Jitter
			if d < 0 {
				d = 0
			}
		}
		return d, false
	}
}
