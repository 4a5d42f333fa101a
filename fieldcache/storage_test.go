package fieldcache

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
)

func openStore(t *testing.T) *fieldstore.Store {
	t.Helper()
	store, err := fieldstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorage_PutGet(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(openStore(t).DB(), "7", nil)

	_, err := s.Get(ctx, CacheForms, "GET /api/forms/f1")
	require.ErrorIs(t, err, ErrMiss)

	h := http.Header{"Content-Type": {"application/json"}}
	body := []byte(`{"id":"f1","version":2,"steps":[]}`)
	require.NoError(t, s.Put(ctx, CacheForms, "GET /api/forms/f1", http.StatusOK, h, body))

	e, err := s.Get(ctx, CacheForms, "GET /api/forms/f1")
	require.NoError(t, err)
	require.Equal(t, "forms-7", e.Cache)
	require.Equal(t, http.StatusOK, e.Status)
	require.Equal(t, "application/json", e.Header.Get("Content-Type"))
	require.Equal(t, body, e.Body)
	require.False(t, e.StoredAt.IsZero())

	// Upsert replaces the entry.
	require.NoError(t, s.Put(ctx, CacheForms, "GET /api/forms/f1", http.StatusOK, h, []byte("{}")))
	e, err = s.Get(ctx, CacheForms, "GET /api/forms/f1")
	require.NoError(t, err)
	require.Equal(t, []byte("{}"), e.Body)

	require.NoError(t, s.Put(ctx, CacheRuntime, "GET /empty", http.StatusOK, nil, nil))
	e, err = s.Get(ctx, CacheRuntime, "GET /empty")
	require.NoError(t, err)
	require.Empty(t, e.Body)
}

func TestStorage_ActivateDropsOtherBuilds(t *testing.T) {
	ctx := context.Background()
	db := openStore(t).DB()
	old := NewStorage(db, "1", nil)
	require.NoError(t, old.Put(ctx, CacheForms, "GET /api/forms/f1", http.StatusOK, nil, []byte("v1")))
	require.NoError(t, old.Put(ctx, CacheStatic, "GET /app.js", http.StatusOK, nil, []byte("js")))
	_, err := db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_name, key, status, header, body, stored_at) VALUES ('legacy', 'k', 200, '{}', NULL, 0)`)
	require.NoError(t, err)

	deleted, err := old.Activate(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"legacy"}, deleted)

	deleted, err = old.Activate(ctx, "2")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"forms-1", "static-1"}, deleted)
	require.Equal(t, "2", old.BuildID())

	_, err = old.Get(ctx, CacheForms, "GET /api/forms/f1")
	require.ErrorIs(t, err, ErrMiss)
	names, err := old.Names(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}
