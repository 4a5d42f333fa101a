package fieldstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesCollections(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"forms", "drafts", "submissions", "media", "chunks", "sync_queue", "queued_requests", "cache_entries"} {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	var foreignKeys int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
}

func TestPutGet_Timestamps(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, WithClock(clock.Now))

	tpl := &FormTemplate{ID: "f1", ProjectID: "p1", Version: 1, Steps: []Step{{ID: "s1"}}}
	require.NoError(t, s.Put(ctx, Forms, tpl))
	created := clock.Now()
	require.Equal(t, created, tpl.CreatedAt)
	require.Equal(t, created, tpl.UpdatedAt)

	clock.Advance(time.Minute)
	update := &FormTemplate{ID: "f1", ProjectID: "p1", Version: 2, Steps: []Step{{ID: "s1"}, {ID: "s2"}}}
	require.NoError(t, s.Put(ctx, Forms, update))
	require.Equal(t, created, update.CreatedAt, "first write time must be preserved")

	var got FormTemplate
	require.NoError(t, s.Get(ctx, Forms, "f1", &got))
	require.Equal(t, 2, got.Version)
	require.Equal(t, 2, got.StepCount())
	require.Equal(t, created, got.CreatedAt)
	require.Equal(t, created.Add(time.Minute), got.UpdatedAt)
}

func TestPut_AutoIncrementIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d1 := &Draft{FormID: "f1", Data: map[string]any{"a": "1"}}
	d2 := &Draft{FormID: "f1"}
	require.NoError(t, s.Put(ctx, Drafts, d1))
	require.NoError(t, s.Put(ctx, Drafts, d2))
	require.Equal(t, int64(1), d1.ID)
	require.Equal(t, int64(2), d2.ID)

	d1.CurrentStep = 3
	require.NoError(t, s.Put(ctx, Drafts, d1))
	require.Equal(t, int64(1), d1.ID)

	var got Draft
	require.NoError(t, s.Get(ctx, Drafts, "1", &got))
	require.Equal(t, 3, got.CurrentStep)
	require.Equal(t, "1", got.Data["a"])
}

func TestQueryByIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, Media, &MediaItem{ID: "m1", OwnerRef: "draft:1", Status: StatusPending}))
	require.NoError(t, s.Put(ctx, Media, &MediaItem{ID: "m2", OwnerRef: "draft:1", Status: StatusCompleted}))
	require.NoError(t, s.Put(ctx, Media, &MediaItem{ID: "m3", OwnerRef: "draft:2", Status: StatusPending}))

	byOwner, err := Query[MediaItem](ctx, s, Media, "owner_ref", "draft:1")
	require.NoError(t, err)
	require.Len(t, byOwner, 2)

	byStatus, err := Query[MediaItem](ctx, s, Media, "status", StatusPending)
	require.NoError(t, err)
	require.Len(t, byStatus, 2)

	_, err = Query[MediaItem](ctx, s, Media, "filename", "x")
	require.ErrorIs(t, err, ErrUnknownIndex)
}

func TestGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var item MediaItem
	err := s.Get(ctx, Media, "missing", &item)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, Media, &MediaItem{ID: "m1"}))
	require.NoError(t, s.Delete(ctx, Media, "m1"))
	require.ErrorIs(t, s.Get(ctx, Media, "m1", &item), ErrNotFound)

	// deleting twice is fine
	require.NoError(t, s.Delete(ctx, Media, "m1"))
}

func TestPut_MissingKey(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), Media, &MediaItem{})
	require.ErrorIs(t, err, ErrMissingKey)

	var se *StorageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "put", se.Op)
	require.Equal(t, Media, se.Collection)
}

func TestPut_BlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	payload := []byte{0, 1, 2, 255, 254}
	require.NoError(t, s.Put(ctx, Chunks, &Chunk{ID: ChunkID("m", 0), MediaID: "m", Size: len(payload), Data: payload}))

	var got Chunk
	require.NoError(t, s.Get(ctx, Chunks, "m_0", &got))
	require.Equal(t, payload, got.Data)
	require.Equal(t, "m", got.MediaID)
}

func TestPut_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var pages int64
	require.NoError(t, s.DB().QueryRow("PRAGMA page_count").Scan(&pages))
	_, err := s.DB().Exec(fmt.Sprintf("PRAGMA max_page_count = %d", pages+1))
	require.NoError(t, err)

	big := make([]byte, 512*1024)
	err = s.Put(ctx, Chunks, &Chunk{ID: ChunkID("m", 0), MediaID: "m", Size: len(big), Data: big})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	var se *StorageError
	require.True(t, errors.As(err, &se))
}

func TestParseOwnerRef(t *testing.T) {
	kind, id, err := ParseOwnerRef(SubmissionRef(42))
	require.NoError(t, err)
	require.Equal(t, "submission", kind)
	require.Equal(t, int64(42), id)

	_, _, err = ParseOwnerRef("nonsense")
	require.Error(t, err)
}
