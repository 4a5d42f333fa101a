// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package agent assembles the long-lived field agent: durable store, sync
// engine, connectivity monitor, caching proxy and coordination bus, served
// from one listener.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-fieldsync/fieldbus"
	"github.com/mobiletoly/go-fieldsync/fieldcache"
	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/config"
)

// Agent endpoints. Every other path is proxied to the remote API.
const (
	PathBus     = "/_fieldsync/bus"
	PathMetrics = "/_fieldsync/metrics"
	PathStatus  = "/_fieldsync/status"
)

// Status is returned by GET /_fieldsync/status.
type Status struct {
	Online  bool                      `json:"online"`
	BuildID string                    `json:"buildId"`
	Queue   map[fieldstore.Status]int `json:"queue"`
	Clients int                       `json:"clients"`
}

// Agent owns every background component. Create it with New and release it with Close.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	Store       *fieldstore.Store
	Queue       *fieldstore.Queue
	Media       *fieldstore.MediaStore
	Outbox      *fieldstore.Outbox
	Client      *fieldsync.Client
	Engine      *fieldsync.Engine
	Monitor     *fieldsync.Monitor
	Forms       *fieldsync.FormFetcher
	Cache       *fieldcache.Storage
	Interceptor *fieldcache.Interceptor
	Bus         *fieldbus.LocalBus
	Hub         *fieldbus.Hub

	registry  *prometheus.Registry
	queued    *prometheus.CounterVec
	queueSize *prometheus.GaugeVec
	handler   http.Handler
	unsub     []func()
	closed    atomic.Bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	transport http.RoundTripper
}

// WithTransport sets the transport used for proxied and API requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// New opens the store and wires the components. Nothing runs until Run or Serve.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}
	a := &Agent{cfg: cfg, logger: logger}

	dbPath := cfg.DatabasePath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := fieldstore.Open(ctx, dbPath, fieldstore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = store
	a.Queue = fieldstore.NewQueue(store, cfg.Queue.Policy(), logger)
	// The engine does not exist yet; the closure reads it at call time.
	a.Media = fieldstore.NewMediaStore(store, a.Queue,
		fieldstore.WithChunkSize(cfg.ChunkSize),
		fieldstore.WithCompressor(fieldstore.DefaultImageCompressor()),
		fieldstore.WithConnectivity(func() bool { return a.Engine != nil && a.Engine.Online() }),
		fieldstore.WithMediaLogger(logger))
	a.Outbox = fieldstore.NewOutbox(store, a.Media, a.Queue, logger)

	a.Client = fieldsync.NewClient(cfg.ServerURL, tokenSource(cfg, o.transport),
		fieldsync.WithHTTPClient(&http.Client{Transport: o.transport}),
		fieldsync.WithTimeouts(cfg.ClientTimeouts()),
		fieldsync.WithClientLogger(logger))

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := fieldsync.NewPrometheusRecorder(a.registry)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	a.queued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "offline_requests_queued_total",
		Help:      "Mutations captured by the proxy while offline.",
	}, []string{"tag"})
	a.queueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Name:      "queue_items",
		Help:      "Sync queue items by status after the last cycle.",
	}, []string{"status"})
	a.registry.MustRegister(a.queued, a.queueSize)

	ec := cfg.EngineConfig()
	ec.StageMetrics = recorder
	a.Engine, err = fieldsync.NewEngine(fieldsync.Deps{
		Store:  store,
		Queue:  a.Queue,
		Media:  a.Media,
		Outbox: a.Outbox,
		Client: a.Client,
		Logger: logger,
	}, ec)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.Monitor = fieldsync.NewMonitor(a.Engine, a.Client, time.Duration(cfg.Sync.OnlineCheckInterval), logger)
	if a.Forms, err = fieldsync.NewFormFetcher(a.Client, a.Outbox, logger); err != nil {
		_ = store.Close()
		return nil, err
	}

	var offlineDoc []byte
	if cfg.OfflineDocument != "" {
		if offlineDoc, err = os.ReadFile(cfg.OfflineDocument); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to read offline document: %w", err)
		}
	}
	a.Cache = fieldcache.NewStorage(store.DB(), cfg.BuildID, logger)
	a.Interceptor = fieldcache.NewInterceptor(a.Cache, store, a.Queue,
		fieldcache.WithTransport(o.transport),
		fieldcache.WithConnectivity(a.Engine.Online),
		fieldcache.WithOfflineDocument(offlineDoc),
		fieldcache.WithOnQueued(func(tag string) { a.queued.WithLabelValues(tag).Inc() }),
		fieldcache.WithLogger(logger))
	proxy, err := fieldcache.NewProxy(cfg.ServerURL, a.Interceptor, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.Bus = fieldbus.NewLocalBus(logger)
	a.Hub = fieldbus.NewHub(a.Bus, logger)
	a.bridge()

	mux := http.NewServeMux()
	mux.Handle(PathBus, a.Hub)
	mux.Handle("GET "+PathMetrics, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.HandleFunc("GET "+PathStatus, a.handleStatus)
	mux.Handle("/", proxy)
	a.handler = mux

	return a, nil
}

func tokenSource(cfg *config.Config, rt http.RoundTripper) fieldsync.TokenSource {
	if cfg.Auth.Token != "" || cfg.Auth.User == "" {
		return fieldsync.StaticTokenSource(cfg.Auth.Token)
	}
	return fieldsync.NewRefreshingTokenSource("", fieldsync.SigninRefresher(
		&http.Client{Transport: rt, Timeout: 30 * time.Second},
		cfg.ServerURL, cfg.Auth.User, cfg.Auth.Password, cfg.Auth.Device))
}

// bridge connects engine events and bus messages in both directions.
func (a *Agent) bridge() {
	ctx := context.Background()
	a.unsub = append(a.unsub, a.Engine.Events().Subscribe(func(ev fieldsync.Event) {
		var m fieldbus.Message
		switch ev.Type {
		case fieldsync.EventCompleted:
			m = fieldbus.SyncCompleted(fieldbus.Results{Succeeded: ev.Succeeded, Failed: ev.Failed, Retrying: ev.Retrying})
			a.updateQueueGauge(ctx)
		case fieldsync.EventFailed:
			reason := ev.Reason
			if ev.Error != "" {
				reason = ev.Reason + ": " + ev.Error
			}
			m = fieldbus.SyncFailed(reason)
			a.updateQueueGauge(ctx)
		case fieldsync.EventNetworkStatus:
			m = fieldbus.NetworkStatus(ev.Online)
		default:
			return
		}
		if err := a.Bus.Publish(ctx, m); err != nil {
			a.logger.Warn("Failed to publish bus message", "type", m.Type, "error", err)
		}
	}))

	a.unsub = append(a.unsub, a.Bus.Subscribe(func(m fieldbus.Message) {
		switch m.Type {
		case fieldbus.KindTriggerSync:
			a.logger.Debug("Sync requested over bus", "tag", m.Tag)
			a.Engine.Trigger()
		case fieldbus.KindSkipWaiting:
			deleted, err := a.Cache.Activate(ctx, m.BuildID)
			if err != nil {
				a.logger.Error("Failed to activate cache build", "build_id", m.BuildID, "error", err)
				return
			}
			a.logger.Info("Activated cache build", "build_id", a.Cache.BuildID(), "deleted", len(deleted))
		case fieldbus.KindNetworkStatus:
			// Clients report what their platform sees; the monitor corrects it on its next check.
			a.Engine.SetOnline(*m.IsOnline)
		}
	}))
}

func (a *Agent) updateQueueGauge(ctx context.Context) {
	stats, err := a.Queue.Stats(ctx)
	if err != nil {
		a.logger.Warn("Failed to read queue stats", "error", err)
		return
	}
	a.queueSize.Reset()
	for st, n := range stats {
		a.queueSize.WithLabelValues(string(st)).Set(float64(n))
	}
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Status{
		Online:  a.Engine.Online(),
		BuildID: a.Cache.BuildID(),
		Queue:   stats,
		Clients: a.Hub.Count(),
	})
}

// Handler serves the proxy, the bus endpoint, metrics and status.
func (a *Agent) Handler() http.Handler { return a.handler }

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// Run listens on the configured address and serves until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Listen, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the engine, the monitor and the HTTP server on ln until ctx is done.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Engine.Run(gctx) })
	g.Go(func() error {
		a.Monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("Field agent listening", "addr", ln.Addr().String(), "server", a.cfg.ServerURL)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("agent server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Interceptor.Wait()
	a.logger.Info("Field agent stopped")
	return err
}

// Close releases the store. Call it after Serve returned.
func (a *Agent) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, fn := range a.unsub {
		fn()
	}
	return a.Store.Close()
}
