// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// ErrMiss is returned by Storage.Get when no entry exists.
var ErrMiss = errors.New("cache miss")

// Entry is a stored response.
type Entry struct {
	Cache    string // versioned name, e.g. "forms-42"
	Key      string // METHOD + " " + URL
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Storage keeps named caches in the cache_entries table of the agent database.
// Every named cache is versioned by the build id; Activate drops the caches of
// other builds. Bodies are stored snappy compressed.
type Storage struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	buildID string
}

// NewStorage uses db, which must carry the cache_entries table (see fieldstore migrations).
func NewStorage(db *sql.DB, buildID string, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	if buildID == "" {
		buildID = "dev"
	}
	return &Storage{db: db, now: time.Now, logger: logger, buildID: buildID}
}

// BuildID returns the current build identifier.
func (s *Storage) BuildID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildID
}

// Name returns the versioned name of a named cache.
func (s *Storage) Name(cache string) string {
	return cache + "-" + s.BuildID()
}

// Key returns the cache key of r.
func Key(r *http.Request) string {
	return r.Method + " " + r.URL.String()
}

// Get loads an entry of the named cache of the current build.
func (s *Storage) Get(ctx context.Context, cache, key string) (*Entry, error) {
	name := s.Name(cache)
	var (
		header   string
		body     []byte
		storedAt int64
	)
	e := &Entry{Cache: name, Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE cache_name = ? AND key = ?`,
		name, key).Scan(&e.Status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, fmt.Errorf("failed to decode cached header: %w", err)
	}
	if len(body) > 0 {
		if e.Body, err = snappy.Decode(nil, body); err != nil {
			return nil, fmt.Errorf("failed to decode cached body: %w", err)
		}
	}
	e.StoredAt = time.UnixMilli(storedAt).UTC()
	return e, nil
}

// Put stores a response in the named cache of the current build.
func (s *Storage) Put(ctx context.Context, cache, key string, status int, header http.Header, body []byte) error {
	h, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	var packed []byte
	if len(body) > 0 {
		packed = snappy.Encode(nil, body)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_name, key, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cache_name, key) DO UPDATE SET
		   status = excluded.status, header = excluded.header, body = excluded.body, stored_at = excluded.stored_at`,
		s.Name(cache), key, status, string(h), packed, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// Names lists the versioned cache names holding entries.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT cache_name FROM cache_entries ORDER BY cache_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to list caches: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Activate makes buildID current (keeping the current one when empty) and
// deletes every cache that does not belong to it. It returns the deleted cache names.
func (s *Storage) Activate(ctx context.Context, buildID string) ([]string, error) {
	s.mu.Lock()
	if buildID != "" {
		s.buildID = buildID
	}
	current := s.buildID
	s.mu.Unlock()

	keep := make(map[string]bool, len(CacheNames))
	for _, c := range CacheNames {
		keep[c+"-"+current] = true
	}
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, n := range names {
		if keep[n] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, n); err != nil {
			return deleted, fmt.Errorf("failed to delete cache %s: %w", n, err)
		}
		deleted = append(deleted, n)
	}
	if len(deleted) > 0 {
		s.logger.Info("Deleted outdated caches", "build_id", current, "caches", strings.Join(deleted, ","))
	}
	return deleted, nil
}
