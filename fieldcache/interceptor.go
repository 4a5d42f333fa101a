// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fieldapi"
	"github.com/mobiletoly/go-fieldsync/fieldstore"
)

// Response headers set on answers that did not come straight from the network.
const (
	HeaderCache   = "X-Fieldsync-Cache"   // "hit" or "fallback"
	HeaderOffline = "X-Fieldsync-Offline" // "true" on the offline document
)

// DefaultOfflineDocument is served for navigations when neither network nor cache can answer.
var DefaultOfflineDocument = []byte(`<!doctype html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>Saved work will sync when the connection returns.</p></body></html>
`)

// QueuedResponse is the body of the synthetic answer to a mutation captured offline.
type QueuedResponse struct {
	Queued  bool   `json:"queued"`
	Offline bool   `json:"offline"`
	ID      string `json:"id"`
}

// Interceptor is an http.RoundTripper applying the strategy Classify picks.
type Interceptor struct {
	next       http.RoundTripper
	storage    *Storage
	store      *fieldstore.Store
	queue      *fieldstore.Queue
	online     func() bool
	onQueued   func(tag string)
	offlineDoc []byte
	logger     *slog.Logger

	bg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]bool
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithTransport sets the transport used for network requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(i *Interceptor) { i.next = rt }
}

// WithConnectivity sets the online check consulted when a mutation fails.
func WithConnectivity(online func() bool) Option {
	return func(i *Interceptor) { i.online = online }
}

// WithOnQueued registers a callback run after a mutation was captured.
func WithOnQueued(fn func(tag string)) Option {
	return func(i *Interceptor) { i.onQueued = fn }
}

// WithOfflineDocument replaces DefaultOfflineDocument.
func WithOfflineDocument(doc []byte) Option {
	return func(i *Interceptor) {
		if len(doc) > 0 {
			i.offlineDoc = doc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewInterceptor creates an interceptor. Captured mutations are stored in
// store and drained through queue as request_replay items.
func NewInterceptor(storage *Storage, store *fieldstore.Store, queue *fieldstore.Queue, opts ...Option) *Interceptor {
	i := &Interceptor{
		next:       http.DefaultTransport,
		storage:    storage,
		store:      store,
		queue:      queue,
		online:     func() bool { return true },
		offlineDoc: DefaultOfflineDocument,
		logger:     slog.Default(),
		inflight:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Wait blocks until background revalidations have finished.
func (i *Interceptor) Wait() { i.bg.Wait() }

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(r *http.Request) (*http.Response, error) {
	route := Classify(r)
	switch route.Strategy {
	case QueueOnFailure:
		return i.mutation(r, route)
	case NetworkFirst:
		return i.networkFirst(r, route)
	case CacheFirst:
		return i.cacheFirst(r, route)
	case StaleWhileRevalidate:
		return i.staleWhileRevalidate(r, route)
	default:
		return i.next.RoundTrip(r)
	}
}

func (i *Interceptor) networkFirst(r *http.Request, route Route) (*http.Response, error) {
	resp, err := i.next.RoundTrip(r)
	if err == nil {
		return i.keep(r, route, resp)
	}
	if e, cerr := i.storage.Get(r.Context(), route.Cache, Key(r)); cerr == nil {
		i.logger.Debug("Serving cached response after network failure", "key", e.Key, "error", err)
		return cachedResponse(r, e, "fallback"), nil
	}
	if route.OfflineDocument {
		return i.offlineResponse(r), nil
	}
	return nil, err
}

func (i *Interceptor) cacheFirst(r *http.Request, route Route) (*http.Response, error) {
	if e, err := i.storage.Get(r.Context(), route.Cache, Key(r)); err == nil {
		return cachedResponse(r, e, "hit"), nil
	}
	resp, err := i.next.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	return i.keep(r, route, resp)
}

func (i *Interceptor) staleWhileRevalidate(r *http.Request, route Route) (*http.Response, error) {
	e, err := i.storage.Get(r.Context(), route.Cache, Key(r))
	if err != nil {
		resp, err := i.next.RoundTrip(r)
		if err != nil {
			return nil, err
		}
		return i.keep(r, route, resp)
	}

	key := Key(r)
	i.mu.Lock()
	busy := i.inflight[key]
	i.inflight[key] = true
	i.mu.Unlock()
	if !busy {
		bgReq := r.Clone(context.WithoutCancel(r.Context()))
		i.bg.Add(1)
		go func() {
			defer i.bg.Done()
			defer func() {
				i.mu.Lock()
				delete(i.inflight, key)
				i.mu.Unlock()
			}()
			resp, err := i.next.RoundTrip(bgReq)
			if err != nil {
				i.logger.Debug("Background revalidation failed", "key", key, "error", err)
				return
			}
			resp, err = i.keep(bgReq, route, resp)
			if err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}
		}()
	}
	return cachedResponse(r, e, "hit"), nil
}

// keep caches a 200 answer when the route writes and returns an equivalent response.
func (i *Interceptor) keep(r *http.Request, route Route, resp *http.Response) (*http.Response, error) {
	if !route.Write || route.Cache == "" || resp.StatusCode != http.StatusOK || r.Method != http.MethodGet {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	if err := i.storage.Put(r.Context(), route.Cache, Key(r), resp.StatusCode, resp.Header, body); err != nil {
		i.logger.Warn("Failed to cache response", "key", Key(r), "error", err)
	}
	return resp, nil
}

// mutation sends r; a transport failure while offline captures it for replay.
func (i *Interceptor) mutation(r *http.Request, route Route) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}
	out := r.Clone(r.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }

	resp, err := i.next.RoundTrip(out)
	if err == nil {
		return resp, nil
	}
	if i.online() || errors.Is(err, context.Canceled) {
		return nil, err
	}

	qr, qerr := i.capture(r, route, body)
	if qerr != nil {
		return nil, fmt.Errorf("failed to queue offline request: %w (network: %v)", qerr, err)
	}
	i.logger.Info("Queued offline request", "id", qr.ID, "method", qr.Method, "url", qr.URL, "tag", qr.Tag)
	if i.onQueued != nil {
		i.onQueued(route.Tag)
	}
	return queuedResponse(r, qr.ID), nil
}

func (i *Interceptor) capture(r *http.Request, route Route, body []byte) (*fieldstore.QueuedRequest, error) {
	qr := &fieldstore.QueuedRequest{
		ID:           uuid.NewString(),
		Tag:          route.Tag,
		ResourceType: route.ResourceType,
		Method:       r.Method,
		URL:          r.URL.String(),
		Header:       r.Header.Clone(),
		Body:         body,
	}
	ctx := context.WithoutCancel(r.Context())
	if err := i.store.Put(ctx, fieldstore.QueuedRequests, qr); err != nil {
		return nil, err
	}
	if _, err := i.queue.Enqueue(ctx, fieldstore.ItemRequestReplay, qr.ID, fieldstore.PriorityNormal); err != nil {
		return nil, err
	}
	return qr, nil
}

func cachedResponse(r *http.Request, e *Entry, how string) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(HeaderCache, how)
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       r,
	}
}

func (i *Interceptor) offlineResponse(r *http.Request) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set(HeaderOffline, "true")
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(i.offlineDoc)),
		ContentLength: int64(len(i.offlineDoc)),
		Request:       r,
	}
}

func queuedResponse(r *http.Request, id string) *http.Response {
	body, _ := json.Marshal(QueuedResponse{Queued: true, Offline: true, ID: id})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(fieldapi.HeaderOfflineQueue, "true")
	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
