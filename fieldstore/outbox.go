// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Outbox manages drafts, submissions and cached form templates on top of the
// store, the media store and the sync queue.
type Outbox struct {
	store  *Store
	media  *MediaStore
	queue  *Queue
	logger *slog.Logger
	mu     sync.Mutex
}

// NewOutbox wires an outbox.
func NewOutbox(store *Store, media *MediaStore, queue *Queue, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{store: store, media: media, queue: queue, logger: logger}
}

// SaveForm caches a form template, keeping the stored copy when it is newer.
// It reports whether the template was written.
func (o *Outbox) SaveForm(ctx context.Context, tpl *FormTemplate) (bool, error) {
	if tpl.ID == "" {
		return false, fmt.Errorf("form template id is required")
	}
	existing, err := o.GetForm(ctx, tpl.ID)
	switch {
	case err == nil:
		if existing.Version > tpl.Version {
			return false, nil
		}
		tpl.CreatedAt = existing.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return false, err
	}
	if err := o.store.Put(ctx, Forms, tpl); err != nil {
		return false, err
	}
	return true, nil
}

// GetForm loads a cached form template.
func (o *Outbox) GetForm(ctx context.Context, id string) (*FormTemplate, error) {
	var tpl FormTemplate
	if err := o.store.Get(ctx, Forms, id, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// ListForms returns the cached templates of a project.
func (o *Outbox) ListForms(ctx context.Context, projectID string) ([]*FormTemplate, error) {
	return Query[FormTemplate](ctx, o.store, Forms, "project_id", projectID)
}

// SaveDraft creates or updates a draft (autosave). A new draft gets its id assigned.
func (o *Outbox) SaveDraft(ctx context.Context, d *Draft) error {
	if d.FormID == "" {
		return fmt.Errorf("draft form id is required")
	}
	if d.Data == nil {
		d.Data = map[string]any{}
	}
	return o.store.Put(ctx, Drafts, d)
}

// GetDraft loads a draft.
func (o *Outbox) GetDraft(ctx context.Context, id int64) (*Draft, error) {
	var d Draft
	if err := o.store.Get(ctx, Drafts, strconv.FormatInt(id, 10), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDrafts returns the drafts of a form.
func (o *Outbox) ListDrafts(ctx context.Context, formID string) ([]*Draft, error) {
	return Query[Draft](ctx, o.store, Drafts, "form_id", formID)
}

// DeleteDraft removes a draft.
func (o *Outbox) DeleteDraft(ctx context.Context, id int64) error {
	return o.store.Delete(ctx, Drafts, strconv.FormatInt(id, 10))
}

// AttachMedia stores a payload owned by the draft.
func (o *Outbox) AttachMedia(ctx context.Context, draftID int64, in MediaInput) (string, error) {
	in.OwnerRef = DraftRef(draftID)
	return o.media.StoreMedia(ctx, in)
}

// Submit freezes a draft into a pending submission and enqueues its delivery.
// The draft stays until the submission has been delivered. Submitting the
// same draft again returns its submission and completes any step an earlier
// call did not finish.
func (o *Outbox) Submit(ctx context.Context, draftID int64) (*Submission, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	d, err := o.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	existing, err := Query[Submission](ctx, o.store, Submissions, "form_id", d.FormID)
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if s.DraftID != draftID {
			continue
		}
		if s.Status == StatusPending {
			if err := o.promote(ctx, s, true); err != nil {
				return nil, err
			}
		}
		return s, nil
	}

	sub := &Submission{
		ClientID:  uuid.NewString(),
		FormID:    d.FormID,
		ProjectID: d.ProjectID,
		DraftID:   d.ID,
		Data:      maps.Clone(d.Data),
		Status:    StatusPending,
		Version:   1,
	}
	if err := o.store.Put(ctx, Submissions, sub); err != nil {
		return nil, err
	}
	if err := o.promote(ctx, sub, false); err != nil {
		return nil, err
	}
	o.logger.Info("Submitted draft", "draft_id", draftID, "submission_id", sub.ID, "form_id", sub.FormID)
	return sub, nil
}

// promote moves the draft's media to sub and enqueues sub. With resume set,
// nothing is enqueued when sub already has an active queue item.
func (o *Outbox) promote(ctx context.Context, sub *Submission, resume bool) error {
	moved, err := o.media.Reassign(ctx, DraftRef(sub.DraftID), SubmissionRef(sub.ID))
	if err != nil {
		return fmt.Errorf("failed to move draft media to submission %d: %w", sub.ID, err)
	}
	if resume {
		active, err := o.queue.HasActive(ctx, ItemFormSubmission, strconv.FormatInt(sub.ID, 10))
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		o.logger.Info("Resuming interrupted submit", "submission_id", sub.ID, "moved_media", moved)
	}
	return o.enqueue(ctx, sub)
}

// SubmitData creates a submission without a draft.
func (o *Outbox) SubmitData(ctx context.Context, formID, projectID string, data map[string]any) (*Submission, error) {
	sub := &Submission{
		ClientID:  uuid.NewString(),
		FormID:    formID,
		ProjectID: projectID,
		Data:      maps.Clone(data),
		Status:    StatusPending,
		Version:   1,
	}
	if err := o.store.Put(ctx, Submissions, sub); err != nil {
		return nil, err
	}
	if err := o.enqueue(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (o *Outbox) enqueue(ctx context.Context, sub *Submission) error {
	items, err := o.media.ListByOwner(ctx, SubmissionRef(sub.ID))
	if err != nil {
		return err
	}
	for _, m := range items {
		if m.Status == StatusCompleted {
			continue
		}
		if _, err := o.media.EnqueueUpload(ctx, m.ID); err != nil {
			return err
		}
	}
	_, err = o.queue.Enqueue(ctx, ItemFormSubmission, strconv.FormatInt(sub.ID, 10), PriorityNormal)
	return err
}

// GetSubmission loads a submission.
func (o *Outbox) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	var s Submission
	if err := o.store.Get(ctx, Submissions, strconv.FormatInt(id, 10), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSubmissions returns submissions with status, or all of them when status is empty.
func (o *Outbox) ListSubmissions(ctx context.Context, status Status) ([]*Submission, error) {
	if status == "" {
		return selectWhere[Submission](ctx, o.store, Submissions, "", nil, "created_at ASC, id ASC", 0)
	}
	return Query[Submission](ctx, o.store, Submissions, "status", status)
}

// UpdateSubmission applies fn to a stored submission and saves it.
func (o *Outbox) UpdateSubmission(ctx context.Context, id int64, fn func(s *Submission)) (*Submission, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(s)
	if err := o.store.Put(ctx, Submissions, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RetrySubmission resurfaces a failed submission: its failed media are reset and
// a fresh queue item is created. No records are duplicated.
func (o *Outbox) RetrySubmission(ctx context.Context, id int64) error {
	sub, err := o.UpdateSubmission(ctx, id, func(s *Submission) {
		if s.Status == StatusFailed || s.Status == StatusError {
			s.Status = StatusPending
			s.LastError = ""
		}
	})
	if err != nil {
		return err
	}
	if sub.Status == StatusCompleted {
		return fmt.Errorf("%w: submission %d is already completed", ErrInvalidTransition, id)
	}
	items, err := o.media.ListByOwner(ctx, SubmissionRef(id))
	if err != nil {
		return err
	}
	for _, m := range items {
		if m.Status == StatusFailed {
			if err := o.media.ResetForRetry(ctx, m.ID); err != nil {
				return err
			}
		}
	}
	active, err := o.queue.HasActive(ctx, ItemFormSubmission, strconv.FormatInt(id, 10))
	if err != nil || active {
		return err
	}
	return o.enqueue(ctx, sub)
}
