package fieldcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/internal/backoff"
)

// switchable fails every request with a transport error while down is set.
type switchable struct {
	next http.RoundTripper
	down atomic.Bool
}

func (s *switchable) RoundTrip(r *http.Request) (*http.Response, error) {
	if s.down.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return s.next.RoundTrip(r)
}

type origin struct {
	mu   sync.Mutex
	body map[string]string
	hits map[string]int
	srv  *httptest.Server
}

func newOrigin(t *testing.T) *origin {
	o := &origin{body: map[string]string{}, hits: map[string]int{}}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.Path]++
		b, ok := o.body[r.URL.Path]
		o.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, b)
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) set(path, body string) {
	o.mu.Lock()
	o.body[path] = body
	o.mu.Unlock()
}

func (o *origin) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

type icFixture struct {
	ic     *Interceptor
	up     *switchable
	origin *origin
	store  *fieldstore.Store
	queue  *fieldstore.Queue
	online atomic.Bool
}

func newICFixture(t *testing.T) *icFixture {
	f := &icFixture{origin: newOrigin(t), up: &switchable{next: http.DefaultTransport}}
	f.online.Store(true)
	f.store = openStore(t)
	f.queue = fieldstore.NewQueue(f.store, backoff.DefaultQueuePolicy(), nil)
	f.ic = NewInterceptor(NewStorage(f.store.DB(), "1", nil), f.store, f.queue,
		WithTransport(f.up), WithConnectivity(f.online.Load))
	return f
}

func (f *icFixture) get(t *testing.T, path string, header ...string) *http.Response {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, f.origin.srv.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	resp, err := f.ic.RoundTrip(r)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestInterceptor_NetworkFirstFallsBackToCache(t *testing.T) {
	f := newICFixture(t)
	f.origin.set("/api/forms/f1", "v1")

	resp := f.get(t, "/api/forms/f1")
	require.Equal(t, "v1", readBody(t, resp))
	require.Empty(t, resp.Header.Get(HeaderCache))

	f.up.down.Store(true)
	resp = f.get(t, "/api/forms/f1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "fallback", resp.Header.Get(HeaderCache))
	require.Equal(t, "v1", readBody(t, resp))

	r, _ := http.NewRequest(http.MethodGet, f.origin.srv.URL+"/api/forms/missing", nil)
	_, err := f.ic.RoundTrip(r)
	require.Error(t, err, "no cache and no offline document for API reads")
}

func TestInterceptor_NotFoundIsNotCached(t *testing.T) {
	f := newICFixture(t)
	resp := f.get(t, "/api/forms/none")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = readBody(t, resp)

	f.up.down.Store(true)
	r, _ := http.NewRequest(http.MethodGet, f.origin.srv.URL+"/api/forms/none", nil)
	_, err := f.ic.RoundTrip(r)
	require.Error(t, err)
}

func TestInterceptor_NavigationOfflineDocument(t *testing.T) {
	f := newICFixture(t)
	f.up.down.Store(true)

	resp := f.get(t, "/forms/survey", "Accept", "text/html")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get(HeaderOffline))
	require.Contains(t, readBody(t, resp), "You are offline")
}

func TestInterceptor_CacheFirst(t *testing.T) {
	f := newICFixture(t)
	f.origin.set("/assets/app.js", "console.log(1)")

	require.Equal(t, "console.log(1)", readBody(t, f.get(t, "/assets/app.js")))
	f.origin.set("/assets/app.js", "console.log(2)")

	resp := f.get(t, "/assets/app.js")
	require.Equal(t, "hit", resp.Header.Get(HeaderCache))
	require.Equal(t, "console.log(1)", readBody(t, resp))
	require.Equal(t, 1, f.origin.count("GET /assets/app.js"))
}

func TestInterceptor_StaleWhileRevalidate(t *testing.T) {
	f := newICFixture(t)
	f.origin.set("/data/regions.json", "v1")

	require.Equal(t, "v1", readBody(t, f.get(t, "/data/regions.json")))
	f.origin.set("/data/regions.json", "v2")

	resp := f.get(t, "/data/regions.json")
	require.Equal(t, "hit", resp.Header.Get(HeaderCache))
	require.Equal(t, "v1", readBody(t, resp))
	f.ic.Wait()

	require.Equal(t, "v2", readBody(t, f.get(t, "/data/regions.json")))
	f.ic.Wait()
	require.Equal(t, 3, f.origin.count("GET /data/regions.json"))
}

func TestInterceptor_OnlineMutationFailurePropagates(t *testing.T) {
	f := newICFixture(t)
	f.up.down.Store(true)

	r, _ := http.NewRequest(http.MethodPost, f.origin.srv.URL+"/api/submissions", strings.NewReader(`{}`))
	_, err := f.ic.RoundTrip(r)
	require.Error(t, err)

	items, err := f.queue.List(context.Background(), fieldstore.StatusPending)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestInterceptor_OfflineMutationIsQueued(t *testing.T) {
	f := newICFixture(t)
	f.up.down.Store(true)
	f.online.Store(false)
	var tags []string
	f.ic.onQueued = func(tag string) { tags = append(tags, tag) }

	r, _ := http.NewRequest(http.MethodPost, f.origin.srv.URL+"/api/media/complete?x=1", strings.NewReader(`{"mediaId":"m1"}`))
	r.Header.Set("Content-Type", "application/json")
	resp, err := f.ic.RoundTrip(r)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Contains(t, readBody(t, resp), `"queued":true`)
	require.Equal(t, []string{TagSyncMedia}, tags)

	items, err := f.queue.List(context.Background(), fieldstore.StatusPending)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, fieldstore.ItemRequestReplay, items[0].Type)

	var qr fieldstore.QueuedRequest
	require.NoError(t, f.store.Get(context.Background(), fieldstore.QueuedRequests, items[0].PayloadRef, &qr))
	require.Equal(t, http.MethodPost, qr.Method)
	require.Equal(t, f.origin.srv.URL+"/api/media/complete?x=1", qr.URL)
	require.Equal(t, ResourceMedia, qr.ResourceType)
	require.Equal(t, `{"mediaId":"m1"}`, string(qr.Body))
	require.Equal(t, "application/json", qr.Header.Get("Content-Type"))
}
