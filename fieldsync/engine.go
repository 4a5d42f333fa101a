// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/internal/backoff"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for the sync engine
type Config struct {
	BatchSize    int            // queue items fetched per batch
	Concurrency  int            // items of one batch processed at the same time
	SyncInterval time.Duration  // periodic drain interval of Run (0 disables the timer)
	ChunkPolicy  backoff.Policy // per-chunk retry policy

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:    10,
		Concurrency:  3,
		SyncInterval: 30 * time.Second,
		ChunkPolicy:  backoff.DefaultChunkPolicy(),
	}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store  *fieldstore.Store
	Queue  *fieldstore.Queue
	Media  *fieldstore.MediaStore
	Outbox *fieldstore.Outbox
	Client *Client
	Logger *slog.Logger
}

// CycleResult summarizes one or more coalesced drain cycles.
type CycleResult struct {
	Cycles    int
	Succeeded int
	Failed    int // items that became failed
	Retrying  int // items left in error for a later attempt
	Reason    string
	Started   time.Time
	Finished  time.Time
}

// Engine drains the sync queue against the remote API. At most one drain
// cycle runs at a time.
type Engine struct {
	deps   Deps
	cfg    *Config
	logger *slog.Logger
	events *Broker
	stages stageObserver

	mu      sync.Mutex
	running bool
	rerun   bool

	online  atomic.Bool
	wake    chan struct{}
	started atomic.Bool
}

// NewEngine creates an engine. The engine starts in the online state.
func NewEngine(deps Deps, cfg *Config) (*Engine, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Media == nil || deps.Outbox == nil || deps.Client == nil {
		return nil, errors.New("engine requires store, queue, media, outbox and client")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		events: NewBroker(logger),
		stages: stageObserver{recorder: cfg.StageMetrics, log: cfg.LogStageTimings, logger: logger},
		wake:   make(chan struct{}, 1),
	}
	e.online.Store(true)
	return e, nil
}

// Events returns the lifecycle event broker.
func (e *Engine) Events() *Broker { return e.events }

// Online reports the last known connectivity.
func (e *Engine) Online() bool { return e.online.Load() }

// SetOnline records connectivity. Going from offline to online triggers a drain.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was == online {
		return
	}
	e.logger.Info("Connectivity changed", "online", online)
	e.events.Publish(Event{Type: EventNetworkStatus, Online: online})
	if online {
		e.Trigger()
	}
}

// Trigger asks Run to drain soon. Triggers arriving during a drain collapse into one.
func (e *Engine) Trigger() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains on start, on every trigger, and every SyncInterval while online,
// until ctx is done. Processing items left behind by a crash are recovered first.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine is already running")
	}
	defer e.started.Store(false)

	if _, err := e.deps.Queue.RecoverStale(ctx); err != nil {
		return fmt.Errorf("failed to recover stale queue items: %w", err)
	}

	var tick <-chan time.Time
	if e.cfg.SyncInterval > 0 {
		t := time.NewTicker(e.cfg.SyncInterval)
		defer t.Stop()
		tick = t.C
	}
	e.logger.Debug("Sync loop started")
	defer e.logger.Debug("Sync loop stopped")

	e.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			// Offline ticks wait for the monitor or an explicit trigger.
			if !e.online.Load() {
				continue
			}
		case <-e.wake:
		}
		if _, err := e.SyncAll(ctx); err != nil && !errors.Is(err, ErrSyncCoalesced) {
			e.logger.Warn("Sync cycle failed", "error", err)
		}
	}
}

// SyncAll runs a drain cycle. When a cycle is already running it only
// schedules a follow-up cycle and returns ErrSyncCoalesced; the running caller
// performs the follow-up before returning.
func (e *Engine) SyncAll(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return nil, ErrSyncCoalesced
	}
	e.running = true
	e.mu.Unlock()

	total := &CycleResult{Started: time.Now().UTC()}
	var err error
	for {
		var res *CycleResult
		res, err = e.cycle(ctx)
		total.Cycles++
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
		total.Retrying += res.Retrying
		total.Reason = res.Reason

		// A coalesced request is honored even after a failed cycle.
		e.mu.Lock()
		if !e.rerun || ctx.Err() != nil {
			e.running = false
			e.rerun = false
			e.mu.Unlock()
			break
		}
		e.rerun = false
		e.mu.Unlock()
	}
	total.Finished = time.Now().UTC()
	return total, err
}

type cycleState struct {
	mu        sync.Mutex
	res       CycleResult
	authAbort atomic.Bool
}

func (s *cycleState) add(fn func(r *CycleResult)) {
	s.mu.Lock()
	fn(&s.res)
	s.mu.Unlock()
}

func (e *Engine) cycle(ctx context.Context) (*CycleResult, error) {
	cycleStart := e.stages.start()
	e.events.Publish(Event{Type: EventStarted})

	healthStart := e.stages.start()
	if err := e.deps.Client.Health(ctx); err != nil {
		e.stages.observe(ctx, MetricsOpCycle, MetricsStageHealth, healthStart, 0, 0, true)
		e.logger.Info("Remote API unreachable, sync postponed", "error", err)
		e.events.Publish(Event{Type: EventFailed, Reason: ReasonUnreachable, Error: err.Error()})
		e.SetOnline(false)
		return &CycleResult{Reason: ReasonUnreachable}, err
	}
	e.stages.observe(ctx, MetricsOpCycle, MetricsStageHealth, healthStart, 0, 0, false)
	e.SetOnline(true)

	st := &cycleState{}
	seen := make(map[string]bool)
	var cycleErr error
	for ctx.Err() == nil && cycleErr == nil && !st.authAbort.Load() {
		batch, err := e.deps.Queue.NextBatch(ctx, e.cfg.BatchSize)
		if err != nil {
			cycleErr = fmt.Errorf("failed to load next batch: %w", err)
			break
		}
		fresh := batch[:0]
		for _, item := range batch {
			if !seen[item.ID] {
				seen[item.ID] = true
				fresh = append(fresh, item)
			}
		}
		if len(fresh) == 0 {
			break
		}

		batchStart := e.stages.start()
		var g errgroup.Group
		g.SetLimit(e.cfg.Concurrency)
		for _, item := range fresh {
			g.Go(func() error {
				if st.authAbort.Load() || ctx.Err() != nil {
					return nil
				}
				return e.processItem(ctx, item, st)
			})
		}
		cycleErr = g.Wait()
		e.stages.observe(ctx, MetricsOpCycle, MetricsStageBatch, batchStart, len(fresh), 0, cycleErr != nil)
	}

	res := st.res
	switch {
	case st.authAbort.Load():
		res.Reason = ReasonAuth
		e.stages.observe(ctx, MetricsOpCycle, MetricsStageTotal, cycleStart, res.Succeeded, 0, true)
		e.events.Publish(Event{Type: EventFailed, Reason: ReasonAuth, Error: ErrAuthentication.Error(),
			Succeeded: res.Succeeded, Failed: res.Failed})
		return &res, ErrAuthentication
	case cycleErr != nil:
		res.Reason = ReasonError
		e.stages.observe(ctx, MetricsOpCycle, MetricsStageTotal, cycleStart, res.Succeeded, 0, true)
		e.logger.Error("Sync cycle aborted", "error", cycleErr)
		e.events.Publish(Event{Type: EventFailed, Reason: ReasonError, Error: cycleErr.Error(),
			Succeeded: res.Succeeded, Failed: res.Failed})
		return &res, cycleErr
	}
	e.stages.observe(ctx, MetricsOpCycle, MetricsStageTotal, cycleStart, res.Succeeded, 0, false)
	e.events.Publish(Event{Type: EventCompleted, Succeeded: res.Succeeded, Failed: res.Failed, Retrying: res.Retrying})
	if res.Succeeded+res.Failed+res.Retrying > 0 {
		e.logger.Info("Sync cycle finished", "succeeded", res.Succeeded, "failed", res.Failed, "retrying", res.Retrying)
	}
	return &res, nil
}

// processItem claims and handles one item. Only errors that must stop the
// cycle are returned.
func (e *Engine) processItem(ctx context.Context, item *fieldstore.QueueItem, st *cycleState) error {
	if err := e.deps.Queue.MarkProcessing(ctx, item.ID); err != nil {
		if errors.Is(err, fieldstore.ErrInvalidTransition) {
			return nil
		}
		return err
	}

	start := e.stages.start()
	var (
		stage string
		err   error
	)
	switch item.Type {
	case fieldstore.ItemFormSubmission:
		stage = MetricsStageSubmission
		err = e.processSubmission(ctx, item)
	case fieldstore.ItemMediaUpload:
		stage = MetricsStageMedia
		err = e.processMedia(ctx, item)
	case fieldstore.ItemRequestReplay:
		stage = MetricsStageReplay
		err = e.processReplay(ctx, item)
	default:
		stage = string(item.Type)
		err = terminal(fmt.Errorf("unknown queue item type %q", item.Type))
	}
	e.stages.observe(ctx, MetricsOpItem, stage, start, 1, item.Attempts+1, err != nil)
	return e.settle(ctx, item, err, st)
}

func (e *Engine) settle(ctx context.Context, item *fieldstore.QueueItem, err error, st *cycleState) error {
	log := e.logger.With("item_id", item.ID, "type", item.Type, "payload_ref", item.PayloadRef)
	switch {
	case err == nil:
		if err := e.deps.Queue.MarkCompleted(ctx, item.ID); err != nil {
			return err
		}
		st.add(func(r *CycleResult) { r.Succeeded++ })
		e.events.Publish(Event{Type: EventItemCompleted, ItemID: item.ID, ItemType: item.Type})
		return nil

	case errors.Is(err, ErrAuthentication):
		log.Warn("Authentication failed, aborting sync cycle", "error", err)
		st.authAbort.Store(true)
		return e.release(ctx, item)

	case isStorageFailure(err):
		_ = e.release(ctx, item)
		return err

	case ctx.Err() != nil:
		// Shutdown interrupted the call; the attempt does not count.
		return e.release(ctx, item)

	case isTerminal(err):
		log.Warn("Sync item failed permanently", "error", err)
		if mErr := e.deps.Queue.MarkFailed(ctx, item.ID, err.Error()); mErr != nil {
			return mErr
		}
		if rErr := e.recordFailure(ctx, item, err, true, time.Time{}); rErr != nil {
			return rErr
		}
		st.add(func(r *CycleResult) { r.Failed++ })
		e.events.Publish(Event{Type: EventItemFailed, ItemID: item.ID, ItemType: item.Type, Terminal: true, Error: err.Error()})
		return nil

	default:
		updated, mErr := e.deps.Queue.MarkError(ctx, item.ID, err.Error())
		if mErr != nil {
			return mErr
		}
		exhausted := updated.Status == fieldstore.StatusFailed
		if rErr := e.recordFailure(ctx, updated, err, exhausted, updated.NextEligibleRetry); rErr != nil {
			return rErr
		}
		if exhausted {
			st.add(func(r *CycleResult) { r.Failed++ })
		} else {
			st.add(func(r *CycleResult) { r.Retrying++ })
		}
		log.Info("Sync item will be retried", "error", err, "attempts", updated.Attempts,
			"next_retry", updated.NextEligibleRetry, "exhausted", exhausted)
		e.events.Publish(Event{Type: EventItemFailed, ItemID: item.ID, ItemType: item.Type, Terminal: exhausted, Error: err.Error()})
		return nil
	}
}

// release returns item to the queue without consuming an attempt and moves
// the record it refers to out of uploading.
func (e *Engine) release(ctx context.Context, item *fieldstore.QueueItem) error {
	ctx = context.WithoutCancel(ctx)
	err := e.deps.Queue.Release(ctx, item.ID)
	var rErr error
	switch item.Type {
	case fieldstore.ItemFormSubmission:
		id, perr := strconv.ParseInt(item.PayloadRef, 10, 64)
		if perr != nil {
			break
		}
		_, rErr = e.deps.Outbox.UpdateSubmission(ctx, id, func(s *fieldstore.Submission) {
			if s.Status == fieldstore.StatusUploading {
				s.Status = fieldstore.StatusPending
			}
		})
	case fieldstore.ItemMediaUpload:
		rErr = e.deps.Media.Release(ctx, item.PayloadRef)
	}
	if errors.Is(rErr, fieldstore.ErrNotFound) {
		rErr = nil
	}
	return errors.Join(err, rErr)
}

// recordFailure mirrors a failed attempt onto the submission or media record.
func (e *Engine) recordFailure(ctx context.Context, item *fieldstore.QueueItem, cause error, final bool, nextRetry time.Time) error {
	status := fieldstore.StatusError
	if final {
		status = fieldstore.StatusFailed
	}
	var err error
	switch item.Type {
	case fieldstore.ItemFormSubmission:
		id, perr := strconv.ParseInt(item.PayloadRef, 10, 64)
		if perr != nil {
			return nil
		}
		_, err = e.deps.Outbox.UpdateSubmission(ctx, id, func(s *fieldstore.Submission) {
			if s.Status == fieldstore.StatusCompleted {
				return
			}
			// A submission waiting for media stays pending.
			if errors.Is(cause, ErrMediaNotReady) && !final {
				s.Status = fieldstore.StatusPending
			} else {
				s.Status = status
			}
			s.RetryCount = item.Attempts
			s.LastError = cause.Error()
			s.NextRetryAt = nextRetry
		})
	case fieldstore.ItemMediaUpload:
		err = e.deps.Media.MarkError(ctx, item.PayloadRef, cause.Error(), final)
	}
	if errors.Is(err, fieldstore.ErrNotFound) {
		return nil
	}
	return err
}

func (e *Engine) processSubmission(ctx context.Context, item *fieldstore.QueueItem) error {
	id, err := strconv.ParseInt(item.PayloadRef, 10, 64)
	if err != nil {
		return terminal(fmt.Errorf("invalid submission reference %q", item.PayloadRef))
	}
	sub, err := e.deps.Outbox.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == fieldstore.StatusCompleted {
		return nil
	}

	media, err := e.deps.Media.ListByOwner(ctx, fieldstore.SubmissionRef(id))
	if err != nil {
		return err
	}
	refs := make([]fieldapi.MediaReference, 0, len(media))
	pending := 0
	for _, m := range media {
		switch m.Status {
		case fieldstore.StatusCompleted:
			refs = append(refs, fieldapi.MediaReference{
				MediaID:   m.ID,
				FieldName: m.FieldName,
				Filename:  m.Filename,
				Type:      m.MimeType,
				Size:      m.Size,
				URL:       m.ServerURL,
			})
		case fieldstore.StatusFailed:
			return terminal(fmt.Errorf("media %s failed: %s", m.ID, m.LastError))
		default:
			pending++
			if _, err := e.deps.Media.EnqueueUpload(ctx, m.ID); err != nil {
				return err
			}
		}
	}
	if pending > 0 {
		return fmt.Errorf("%w: %d of %d media items not uploaded", ErrMediaNotReady, pending, len(media))
	}

	if _, err := e.deps.Outbox.UpdateSubmission(ctx, id, func(s *fieldstore.Submission) {
		s.Status = fieldstore.StatusUploading
	}); err != nil {
		return err
	}
	resp, err := e.deps.Client.Submit(ctx, &fieldapi.SubmissionRequest{
		ID:              sub.ClientID,
		FormID:          sub.FormID,
		ProjectID:       sub.ProjectID,
		Data:            sub.Data,
		MediaReferences: refs,
		CreatedAt:       sub.CreatedAt,
		Version:         sub.Version,
	})
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(resp)
	if _, err := e.deps.Outbox.UpdateSubmission(ctx, id, func(s *fieldstore.Submission) {
		s.Status = fieldstore.StatusCompleted
		s.ServerID = resp.ID
		s.ServerURL = resp.URL
		s.Response = raw
		s.LastError = ""
		s.NextRetryAt = time.Time{}
	}); err != nil {
		return err
	}
	if sub.DraftID != 0 {
		if err := e.deps.Outbox.DeleteDraft(ctx, sub.DraftID); err != nil {
			e.logger.Warn("Failed to delete delivered draft", "draft_id", sub.DraftID, "error", err)
		}
	}
	e.logger.Info("Submission delivered", "submission_id", id, "server_id", resp.ID, "media_count", len(refs))
	return nil
}

// processMedia uploads the chunks the server has not acknowledged yet, in
// index order, then asks the server to assemble them.
func (e *Engine) processMedia(ctx context.Context, item *fieldstore.QueueItem) error {
	m, err := e.deps.Media.Get(ctx, item.PayloadRef)
	if err != nil {
		return err
	}
	if m.Status == fieldstore.StatusCompleted {
		return nil
	}
	if err := e.deps.Media.MarkUploading(ctx, m.ID); err != nil {
		return err
	}

	for i := m.UploadedChunks; i < m.Chunks; i++ {
		chunk, err := e.deps.Media.Chunk(ctx, m.ID, i)
		if err != nil {
			return err
		}
		start := e.stages.start()
		attempt := 0
		err = e.cfg.ChunkPolicy.Do(ctx, func(ctx context.Context) error {
			attempt++
			_, err := e.deps.Client.UploadChunk(ctx, ChunkUpload{
				MediaID:     m.ID,
				ChunkIndex:  i,
				TotalChunks: m.Chunks,
				FieldName:   m.FieldName,
				FormDataID:  m.OwnerRef,
				Filename:    m.Filename,
				Type:        m.MimeType,
				Data:        chunk.Data,
			})
			if isRetryable(err) {
				return backoff.Retryable(err)
			}
			return err
		})
		e.stages.observe(ctx, MetricsOpItem, MetricsStageChunk, start, 1, attempt, err != nil)
		if err != nil {
			return fmt.Errorf("chunk %d of media %s: %w", i, m.ID, err)
		}
		if err := e.deps.Media.UpdateProgress(ctx, m.ID, i+1); err != nil {
			return err
		}
	}

	start := e.stages.start()
	resp, err := e.deps.Client.CompleteMedia(ctx, &fieldapi.MediaCompleteRequest{
		MediaID:   m.ID,
		Filename:  m.Filename,
		Type:      m.MimeType,
		Chunks:    m.Chunks,
		Size:      m.Size,
		FieldName: m.FieldName,
	})
	e.stages.observe(ctx, MetricsOpItem, MetricsStageComplete, start, 1, 0, err != nil)
	var se *ServerError
	if errors.As(err, &se) && se.Code == fieldapi.CodeMediaIncomplete {
		// The server no longer holds every staged chunk; send them all again.
		if pErr := e.deps.Media.UpdateProgress(ctx, m.ID, 0); pErr != nil {
			return pErr
		}
		return fmt.Errorf("media %s must be uploaded again: %s", m.ID, se.Message)
	}
	if err != nil {
		return err
	}
	if err := e.deps.Media.MarkCompleted(ctx, m.ID, resp.URL); err != nil {
		return err
	}
	e.logger.Info("Media uploaded", "media_id", m.ID, "chunks", m.Chunks, "size", m.Size)
	return nil
}

// processReplay resends a captured request and drops it once delivered.
func (e *Engine) processReplay(ctx context.Context, item *fieldstore.QueueItem) error {
	var qr fieldstore.QueuedRequest
	if err := e.deps.Store.Get(ctx, fieldstore.QueuedRequests, item.PayloadRef, &qr); err != nil {
		return err
	}
	if _, err := e.deps.Client.Replay(ctx, &qr); err != nil {
		return err
	}
	if err := e.deps.Store.Delete(ctx, fieldstore.QueuedRequests, qr.ID); err != nil {
		return err
	}
	e.logger.Info("Replayed queued request", "request_id", qr.ID, "method", qr.Method, "url", qr.URL)
	return nil
}

// RetryFailed re-enqueues a failed queue item without duplicating the
// submission or media it refers to, and triggers a drain.
func (e *Engine) RetryFailed(ctx context.Context, itemID string) error {
	item, err := e.deps.Queue.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status != fieldstore.StatusFailed {
		return fmt.Errorf("%w: item %s is %s", fieldstore.ErrInvalidTransition, itemID, item.Status)
	}
	switch item.Type {
	case fieldstore.ItemFormSubmission:
		id, err := strconv.ParseInt(item.PayloadRef, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid submission reference %q: %w", item.PayloadRef, err)
		}
		if err := e.deps.Outbox.RetrySubmission(ctx, id); err != nil {
			return err
		}
	case fieldstore.ItemMediaUpload:
		if err := e.deps.Media.ResetForRetry(ctx, item.PayloadRef); err != nil {
			return err
		}
		if _, err := e.deps.Queue.Retry(ctx, item.ID); err != nil {
			return err
		}
	default:
		if _, err := e.deps.Queue.Retry(ctx, item.ID); err != nil {
			return err
		}
	}
	e.logger.Info("Retrying failed sync item", "item_id", item.ID, "type", item.Type, "payload_ref", item.PayloadRef)
	e.Trigger()
	return nil
}

// RetryAllFailed retries every failed item and returns how many were re-enqueued.
func (e *Engine) RetryAllFailed(ctx context.Context) (int, error) {
	items, err := e.deps.Queue.List(ctx, fieldstore.StatusFailed)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range items {
		if err := e.RetryFailed(ctx, item.ID); err != nil {
			if errors.Is(err, fieldstore.ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
