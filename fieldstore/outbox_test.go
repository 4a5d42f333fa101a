package fieldstore

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/internal/backoff"
)

func newTestOutbox(t *testing.T) (*Outbox, *MediaStore, *Queue) {
	t.Helper()
	s := newTestStore(t)
	q := NewQueue(s, backoff.DefaultQueuePolicy(), nil)
	m := NewMediaStore(s, q, WithChunkSize(4))
	return NewOutbox(s, m, q, nil), m, q
}

func TestOutbox_SaveFormKeepsNewerVersion(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOutbox(t)

	written, err := o.SaveForm(ctx, &FormTemplate{ID: "f1", ProjectID: "p1", Version: 3, Title: "v3"})
	require.NoError(t, err)
	require.True(t, written)

	written, err = o.SaveForm(ctx, &FormTemplate{ID: "f1", ProjectID: "p1", Version: 2, Title: "v2"})
	require.NoError(t, err)
	require.False(t, written)

	tpl, err := o.GetForm(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, "v3", tpl.Title)

	forms, err := o.ListForms(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, forms, 1)
}

func TestOutbox_SubmitDraft(t *testing.T) {
	ctx := context.Background()
	o, m, q := newTestOutbox(t)

	d := &Draft{FormID: "f1", ProjectID: "p1", Data: map[string]any{"name": "Well 7"}}
	require.NoError(t, o.SaveDraft(ctx, d))
	require.NotZero(t, d.ID)

	mediaID, err := o.AttachMedia(ctx, d.ID, MediaInput{Data: []byte("photo-bytes"), MimeType: "image/webp", Filename: "p.webp", FieldName: "photo"})
	require.NoError(t, err)

	sub, err := o.Submit(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, sub.Status)
	require.Equal(t, "Well 7", sub.Data["name"])
	require.NotEmpty(t, sub.ClientID)
	require.Equal(t, d.ID, sub.DraftID)

	item, err := m.Get(ctx, mediaID)
	require.NoError(t, err)
	require.Equal(t, SubmissionRef(sub.ID), item.OwnerRef)

	active, err := q.HasActive(ctx, ItemMediaUpload, mediaID)
	require.NoError(t, err)
	require.True(t, active)
	active, err = q.HasActive(ctx, ItemFormSubmission, strconv.FormatInt(sub.ID, 10))
	require.NoError(t, err)
	require.True(t, active)

	// draft is kept until delivery
	_, err = o.GetDraft(ctx, d.ID)
	require.NoError(t, err)

	again, err := o.Submit(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, sub.ID, again.ID)
	subs, err := o.ListSubmissions(ctx, "")
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestOutbox_RetrySubmission(t *testing.T) {
	ctx := context.Background()
	o, _, q := newTestOutbox(t)

	sub, err := o.SubmitData(ctx, "f1", "p1", map[string]any{"x": 1.0})
	require.NoError(t, err)
	ref := strconv.FormatInt(sub.ID, 10)

	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, q.MarkProcessing(ctx, batch[0].ID))
	require.NoError(t, q.MarkFailed(ctx, batch[0].ID, "HTTP 400"))
	_, err = o.UpdateSubmission(ctx, sub.ID, func(s *Submission) { s.Status = StatusFailed })
	require.NoError(t, err)

	require.NoError(t, o.RetrySubmission(ctx, sub.ID))

	got, err := o.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	active, err := q.HasActive(ctx, ItemFormSubmission, ref)
	require.NoError(t, err)
	require.True(t, active)

	subs, err := o.ListSubmissions(ctx, "")
	require.NoError(t, err)
	require.Len(t, subs, 1, "retry must not duplicate the submission")
}

func TestOutbox_SubmitAgainFinishesInterruptedSubmit(t *testing.T) {
	ctx := context.Background()
	o, m, q := newTestOutbox(t)

	d := &Draft{FormID: "f1", ProjectID: "p1", Data: map[string]any{"well": "7"}}
	require.NoError(t, o.SaveDraft(ctx, d))
	mediaID, err := o.AttachMedia(ctx, d.ID, MediaInput{Data: []byte("photo-bytes"), MimeType: "image/webp", Filename: "p.webp", FieldName: "photo"})
	require.NoError(t, err)

	sub, err := o.Submit(ctx, d.ID)
	require.NoError(t, err)
	ref := strconv.FormatInt(sub.ID, 10)

	// Leave the state a crash after storing the submission would leave:
	// media still on the draft and nothing queued for the submission.
	_, err = m.Reassign(ctx, SubmissionRef(sub.ID), DraftRef(d.ID))
	require.NoError(t, err)
	items, err := q.List(ctx, "")
	require.NoError(t, err)
	for _, it := range items {
		if it.Type == ItemFormSubmission {
			require.NoError(t, o.store.Delete(ctx, SyncQueue, it.ID))
		}
	}
	active, err := q.HasActive(ctx, ItemFormSubmission, ref)
	require.NoError(t, err)
	require.False(t, active)

	again, err := o.Submit(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, sub.ID, again.ID)

	item, err := m.Get(ctx, mediaID)
	require.NoError(t, err)
	require.Equal(t, SubmissionRef(sub.ID), item.OwnerRef)
	active, err = q.HasActive(ctx, ItemFormSubmission, ref)
	require.NoError(t, err)
	require.True(t, active)

	// A third call finds everything in place and queues nothing new.
	_, err = o.Submit(ctx, d.ID)
	require.NoError(t, err)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats[StatusPending], "one media upload and one submission")
}
