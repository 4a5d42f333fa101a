// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldapi

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mobiletoly/go-fieldsync/internal/backoff"
)

var txRetryPolicy = backoff.Policy{Base: 10 * time.Millisecond, Ceiling: 200 * time.Millisecond, MaxAttempts: 5}

// transientSQLStates are PostgreSQL codes for transactions that lost a race
// with a concurrent upload of the same submission or media item.
var transientSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func transientPGError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && transientSQLStates[pgErr.Code]
}

// withTxRetry reruns fn while PostgreSQL reports a transient conflict.
func withTxRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return txRetryPolicy.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if transientPGError(err) {
			return backoff.Retryable(err)
		}
		return err
	})
}
