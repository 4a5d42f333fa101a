// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/internal/backoff"
)

// Queue priorities. Higher runs first.
const (
	PriorityNormal = 0
	PriorityMedia  = 10
)

// ErrInvalidTransition is returned when a queue item cannot move to the requested status.
var ErrInvalidTransition = errors.New("invalid queue status transition")

// Queue is the durable sync queue.
type Queue struct {
	store  *Store
	policy backoff.Policy
	logger *slog.Logger
	mu     sync.Mutex // serializes read-modify-write of queue items
}

// NewQueue creates a queue using policy for retry scheduling and the attempt limit.
func NewQueue(store *Store, policy backoff.Policy, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, policy: policy, logger: logger}
}

// Policy returns the queue retry policy.
func (q *Queue) Policy() backoff.Policy { return q.policy }

// Enqueue adds a pending item and returns its id.
func (q *Queue) Enqueue(ctx context.Context, typ ItemType, payloadRef string, priority int) (string, error) {
	item := &QueueItem{
		ID:                uuid.NewString(),
		Type:              typ,
		PayloadRef:        payloadRef,
		Status:            StatusPending,
		Priority:          priority,
		NextEligibleRetry: q.store.Now(),
	}
	if err := q.store.Put(ctx, SyncQueue, item); err != nil {
		return "", err
	}
	q.logger.Debug("Enqueued sync item", "id", item.ID, "type", typ, "payload_ref", payloadRef)
	return item.ID, nil
}

// Get loads one queue item.
func (q *Queue) Get(ctx context.Context, id string) (*QueueItem, error) {
	var item QueueItem
	if err := q.store.Get(ctx, SyncQueue, id, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// NextBatch returns up to limit items that are due: pending or error items whose
// next eligible retry time has passed, by priority then creation order.
func (q *Queue) NextBatch(ctx context.Context, limit int) ([]*QueueItem, error) {
	if limit <= 0 {
		limit = 10
	}
	return selectWhere[QueueItem](ctx, q.store, SyncQueue,
		"status IN (?, ?) AND next_eligible_retry <= ?",
		[]any{string(StatusPending), string(StatusError), q.store.Now().UnixMilli()},
		"priority DESC, created_at ASC, rowid ASC", limit)
}

// List returns items with status, or every item when status is empty.
func (q *Queue) List(ctx context.Context, status Status) ([]*QueueItem, error) {
	if status == "" {
		return selectWhere[QueueItem](ctx, q.store, SyncQueue, "", nil, "created_at ASC, rowid ASC", 0)
	}
	return Query[QueueItem](ctx, q.store, SyncQueue, "status", status)
}

// Stats counts items per status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.store.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, storageErr("stats", SyncQueue, err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storageErr("stats", SyncQueue, err)
		}
		out[Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("stats", SyncQueue, err)
	}
	return out, nil
}

// HasActive reports whether a non-terminal item of typ exists for payloadRef.
func (q *Queue) HasActive(ctx context.Context, typ ItemType, payloadRef string) (bool, error) {
	var n int
	err := q.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE type = ? AND payload_ref = ? AND status NOT IN (?, ?)`,
		string(typ), payloadRef, string(StatusCompleted), string(StatusFailed)).Scan(&n)
	if err != nil {
		return false, storageErr("query", SyncQueue, err)
	}
	return n > 0, nil
}

// MarkProcessing claims a due item.
func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	_, err := q.update(ctx, id, func(item *QueueItem) error {
		if item.Status != StatusPending && item.Status != StatusError {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, StatusProcessing)
		}
		item.Status = StatusProcessing
		return nil
	})
	return err
}

// MarkCompleted marks an item completed. Completing a completed item is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	_, err := q.update(ctx, id, func(item *QueueItem) error {
		switch item.Status {
		case StatusCompleted:
			return errNoChange
		case StatusFailed:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, StatusCompleted)
		}
		item.Status = StatusCompleted
		item.LastError = ""
		return nil
	})
	return err
}

// MarkError records a failed attempt. The attempt counter grows by one and the
// next retry is pushed out by the backoff policy. Once the counter reaches the
// maximum the item becomes failed and is no longer returned by NextBatch.
func (q *Queue) MarkError(ctx context.Context, id, message string) (*QueueItem, error) {
	return q.update(ctx, id, func(item *QueueItem) error {
		if item.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, StatusError)
		}
		item.Attempts++
		item.LastError = message
		item.NextEligibleRetry = q.store.Now().Add(q.policy.Delay(item.Attempts))
		if q.policy.Exhausted(item.Attempts) {
			item.Status = StatusFailed
			q.logger.Warn("Sync item exhausted retries", "id", item.ID, "type", item.Type, "attempts", item.Attempts)
		} else {
			item.Status = StatusError
		}
		return nil
	})
}

// MarkFailed moves an item to the terminal failed status without further retries.
func (q *Queue) MarkFailed(ctx context.Context, id, message string) error {
	_, err := q.update(ctx, id, func(item *QueueItem) error {
		switch item.Status {
		case StatusFailed:
			return errNoChange
		case StatusCompleted:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, StatusFailed)
		}
		item.Status = StatusFailed
		item.LastError = message
		return nil
	})
	return err
}

// Release returns a processing item to pending without consuming an attempt.
func (q *Queue) Release(ctx context.Context, id string) error {
	_, err := q.update(ctx, id, func(item *QueueItem) error {
		if item.Status != StatusProcessing {
			return errNoChange
		}
		item.Status = StatusPending
		return nil
	})
	return err
}

// RecoverStale resets items left processing by an interrupted run.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	items, err := Query[QueueItem](ctx, q.store, SyncQueue, "status", StatusProcessing)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := q.Release(ctx, item.ID); err != nil {
			return 0, err
		}
	}
	if len(items) > 0 {
		q.logger.Info("Recovered stale sync items", "count", len(items))
	}
	return len(items), nil
}

// Retry re-enqueues the payload of a failed item as a fresh item. The failed
// item stays for visibility. The id of the new item is returned.
func (q *Queue) Retry(ctx context.Context, id string) (string, error) {
	item, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if item.Status != StatusFailed {
		return "", fmt.Errorf("%w: only failed items can be retried, item is %s", ErrInvalidTransition, item.Status)
	}
	active, err := q.HasActive(ctx, item.Type, item.PayloadRef)
	if err != nil {
		return "", err
	}
	if active {
		return "", fmt.Errorf("%w: %s %s is already queued", ErrInvalidTransition, item.Type, item.PayloadRef)
	}
	return q.Enqueue(ctx, item.Type, item.PayloadRef, item.Priority)
}

var errNoChange = errors.New("no change")

func (q *Queue) update(ctx context.Context, id string, fn func(item *QueueItem) error) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(item); err != nil {
		if errors.Is(err, errNoChange) {
			return item, nil
		}
		return nil, err
	}
	if err := q.store.Put(ctx, SyncQueue, item); err != nil {
		return nil, err
	}
	return item, nil
}
