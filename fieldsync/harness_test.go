package fieldsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/internal/backoff"
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

// faults sits in front of the reference API and can fail or observe requests.
type faults struct {
	mu     sync.Mutex
	status map[string]int
	filter func(r *http.Request) int
	hook   func(r *http.Request)
	hits   map[string]int
}

func (f *faults) fail(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == 0 {
		delete(f.status, path)
		return
	}
	f.status[path] = status
}

func (f *faults) setFilter(fn func(r *http.Request) int) {
	f.mu.Lock()
	f.filter = fn
	f.mu.Unlock()
}

func (f *faults) setHook(fn func(r *http.Request)) {
	f.mu.Lock()
	f.hook = fn
	f.mu.Unlock()
}

func (f *faults) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *faults) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		status := f.status[r.URL.Path]
		filter, hook := f.filter, f.hook
		f.mu.Unlock()

		if hook != nil {
			hook(r)
		}
		if status == 0 && filter != nil {
			status = filter(r)
		}
		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(fieldapi.ErrorResponse{Error: "injected", Message: http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *testClock
	store  *fieldstore.Store
	queue  *fieldstore.Queue
	media  *fieldstore.MediaStore
	outbox *fieldstore.Outbox
	client *Client
	engine *Engine
	repo   *fieldapi.MemoryRepository
	jwt    *fieldapi.JWTAuth
	faults *faults
	server *httptest.Server

	evMu   sync.Mutex
	events []Event
}

type harnessOptions struct {
	policy      backoff.Policy
	concurrency int
	chunkSize   int
	tokens      func(h *harness) TokenSource
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()
	o := harnessOptions{
		policy:      backoff.Policy{Base: time.Second, Ceiling: time.Minute, MaxAttempts: 5},
		concurrency: 1,
		chunkSize:   1024,
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &harness{t: t, ctx: context.Background(), clock: newTestClock()}
	h.repo = fieldapi.NewMemoryRepository()
	h.jwt = fieldapi.NewJWTAuth("test-secret", nil)
	svc := fieldapi.NewService(h.repo, &fieldapi.FileSink{Dir: t.TempDir(), BaseURL: "http://files.local"}, nil, nil)
	h.faults = &faults{status: map[string]int{}, hits: map[string]int{}}
	h.server = httptest.NewServer(h.faults.wrap(fieldapi.NewRouter(fieldapi.NewHTTPHandlers(svc, h.jwt, nil), h.jwt)))
	t.Cleanup(h.server.Close)

	store, err := fieldstore.Open(h.ctx, ":memory:", fieldstore.WithClock(h.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h.store = store
	h.queue = fieldstore.NewQueue(store, o.policy, nil)
	h.media = fieldstore.NewMediaStore(store, h.queue, fieldstore.WithChunkSize(o.chunkSize))
	h.outbox = fieldstore.NewOutbox(store, h.media, h.queue, nil)

	var tokens TokenSource
	if o.tokens != nil {
		tokens = o.tokens(h)
	} else {
		tokens = StaticTokenSource(h.token("user-1"))
	}
	h.client = NewClient(h.server.URL, tokens)

	cfg := DefaultConfig()
	cfg.Concurrency = o.concurrency
	cfg.SyncInterval = 0
	cfg.ChunkPolicy = backoff.Policy{Base: time.Millisecond, Ceiling: 2 * time.Millisecond, MaxAttempts: 2}
	h.engine, err = NewEngine(Deps{
		Store:  store,
		Queue:  h.queue,
		Media:  h.media,
		Outbox: h.outbox,
		Client: h.client,
	}, cfg)
	require.NoError(t, err)
	h.engine.Events().Subscribe(func(ev Event) {
		h.evMu.Lock()
		h.events = append(h.events, ev)
		h.evMu.Unlock()
	})
	return h
}

func withPolicy(p backoff.Policy) func(*harnessOptions) {
	return func(o *harnessOptions) { o.policy = p }
}

func withConcurrency(n int) func(*harnessOptions) {
	return func(o *harnessOptions) { o.concurrency = n }
}

func withTokens(fn func(h *harness) TokenSource) func(*harnessOptions) {
	return func(o *harnessOptions) { o.tokens = fn }
}

func (h *harness) token(user string) string {
	h.t.Helper()
	tok, err := h.jwt.GenerateToken(user, "device-1", time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) sync() *CycleResult {
	h.t.Helper()
	res, err := h.engine.SyncAll(h.ctx)
	require.NoError(h.t, err)
	return res
}

func (h *harness) eventsOf(typ EventType) []Event {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) onlyItem(typ fieldstore.ItemType) *fieldstore.QueueItem {
	h.t.Helper()
	items, err := h.queue.List(h.ctx, "")
	require.NoError(h.t, err)
	var found []*fieldstore.QueueItem
	for _, it := range items {
		if it.Type == typ {
			found = append(found, it)
		}
	}
	require.Len(h.t, found, 1, "queue items of type %s", typ)
	return found[0]
}

func (h *harness) submission(id int64) *fieldstore.Submission {
	h.t.Helper()
	s, err := h.outbox.GetSubmission(h.ctx, id)
	require.NoError(h.t, err)
	return s
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
