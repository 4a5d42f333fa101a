// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldstore is the on-device durable store for field data collection:
// form templates, drafts, submissions, chunked media and the sync queue.
//
// Every collection lives in its own SQLite table holding the JSON document of
// the record, an optional binary column and the declared secondary indexes.
// Writes are atomic per record; nothing spans collections.
package fieldstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-fieldsync/fieldstore/migrations"
	"github.com/pressly/goose/v3"
)

// Collection names a group of records of one kind.
type Collection string

const (
	Forms          Collection = "forms"
	Drafts         Collection = "drafts"
	Submissions    Collection = "submissions"
	Media          Collection = "media"
	Chunks         Collection = "chunks"
	SyncQueue      Collection = "sync_queue"
	QueuedRequests Collection = "queued_requests"
)

type collectionSchema struct {
	auto    bool // store assigns integer ids
	indexes []string
}

var schemas = map[Collection]collectionSchema{
	Forms:          {indexes: []string{"project_id"}},
	Drafts:         {auto: true, indexes: []string{"form_id", "updated_at"}},
	Submissions:    {auto: true, indexes: []string{"form_id", "project_id", "status", "created_at"}},
	Media:          {indexes: []string{"owner_ref", "field_name", "status"}},
	Chunks:         {indexes: []string{"media_id", "chunk_index"}},
	SyncQueue:      {indexes: []string{"type", "status", "created_at", "next_eligible_retry", "payload_ref", "priority"}},
	QueuedRequests: {indexes: []string{"tag", "resource_type"}},
}

// Record is implemented by every stored entity.
type Record interface {
	RecordKey() string
	SetRecordKey(key string) error
	RecordMeta() *Meta
	IndexValues() map[string]any
}

// BlobRecord is a Record whose binary payload is stored outside the JSON document.
type BlobRecord interface {
	Record
	Blob() []byte
	SetBlob([]byte)
}

var (
	ErrNotFound          = errors.New("record not found")
	ErrQuotaExceeded     = errors.New("storage quota exceeded")
	ErrMissingKey        = errors.New("record key is required")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrUnknownCollection = errors.New("unknown collection")
)

// StorageError reports a failed local persistence operation. The operation must
// be considered not done.
type StorageError struct {
	Op         string
	Collection Collection
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, c Collection, err error) error {
	if isFull(err) {
		err = fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return &StorageError{Op: op, Collection: c, Err: err}
}

func isFull(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrFull
}

// Store is the durable store. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	now     func() time.Time
	writeMu sync.Mutex // serialize writes to avoid SQLite locking errors
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for timestamps and retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

var migrateMu sync.Mutex

// Open opens (creating if needed) the SQLite database at dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes SQLite access.
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database and applies the schema.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		return nil, err
	}
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// DB exposes the underlying database for components sharing the file.
func (s *Store) DB() *sql.DB { return s.db }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now().UTC() }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func lookup(c Collection) (collectionSchema, error) {
	schema, ok := schemas[c]
	if !ok {
		return collectionSchema{}, fmt.Errorf("%w: %s", ErrUnknownCollection, c)
	}
	return schema, nil
}

// Put inserts or replaces rec. CreatedAt is set on first write and preserved
// afterwards; UpdatedAt is set on every write. For auto-id collections an empty
// key makes the store assign one, which is written back into rec.
func (s *Store) Put(ctx context.Context, c Collection, rec Record) error {
	schema, err := lookup(c)
	if err != nil {
		return storageErr("put", c, err)
	}

	now := s.Now().Truncate(time.Millisecond)
	meta := rec.RecordMeta()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	key := rec.RecordKey()
	if key == "" && !schema.auto {
		return storageErr("put", c, ErrMissingKey)
	}

	doc, err := json.Marshal(rec)
	if err != nil {
		return storageErr("put", c, fmt.Errorf("failed to marshal record: %w", err))
	}
	var blob []byte
	if br, ok := rec.(BlobRecord); ok {
		blob = br.Blob()
	}

	cols := []string{"doc", "blob", "created_at", "updated_at"}
	args := []any{string(doc), blob, meta.CreatedAt.UnixMilli(), meta.UpdatedAt.UnixMilli()}
	values := rec.IndexValues()
	for _, name := range schema.indexes {
		if name == "created_at" || name == "updated_at" {
			continue
		}
		cols = append(cols, name)
		args = append(args, indexArg(values[name]))
	}
	if key != "" {
		karg, err := keyArg(schema, key)
		if err != nil {
			return storageErr("put", c, err)
		}
		cols = append([]string{"id"}, cols...)
		args = append([]any{karg}, args...)
	}

	var q strings.Builder
	fmt.Fprintf(&q, "INSERT INTO %s (%s) VALUES (%s)", c, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if key != "" {
		sets := make([]string, 0, len(cols))
		for _, col := range cols {
			if col == "id" || col == "created_at" {
				continue
			}
			sets = append(sets, col+" = excluded."+col)
		}
		fmt.Fprintf(&q, " ON CONFLICT(id) DO UPDATE SET %s", strings.Join(sets, ", "))
	}
	q.WriteString(" RETURNING CAST(id AS TEXT), created_at")

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		gotKey    string
		createdMs int64
	)
	if err := s.db.QueryRowContext(ctx, q.String(), args...).Scan(&gotKey, &createdMs); err != nil {
		return storageErr("put", c, err)
	}
	meta.CreatedAt = time.UnixMilli(createdMs).UTC()
	if err := rec.SetRecordKey(gotKey); err != nil {
		return storageErr("put", c, err)
	}
	return nil
}

// Get loads the record with key into dest.
func (s *Store) Get(ctx context.Context, c Collection, key string, dest Record) error {
	schema, err := lookup(c)
	if err != nil {
		return storageErr("get", c, err)
	}
	karg, err := keyArg(schema, key)
	if err != nil {
		return storageErr("get", c, err)
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT CAST(id AS TEXT), doc, blob, created_at, updated_at FROM %s WHERE id = ?`, c), karg)
	if err := scanRecord(row, dest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, c, key)
		}
		return storageErr("get", c, err)
	}
	return nil
}

// Delete removes the record with key. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, c Collection, key string) error {
	schema, err := lookup(c)
	if err != nil {
		return storageErr("delete", c, err)
	}
	karg, err := keyArg(schema, key)
	if err != nil {
		return storageErr("delete", c, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c), karg); err != nil {
		return storageErr("delete", c, err)
	}
	return nil
}

// Query returns every record of c whose index equals value, oldest first.
func Query[T any, P interface {
	*T
	Record
}](ctx context.Context, s *Store, c Collection, index string, value any) ([]P, error) {
	schema, err := lookup(c)
	if err != nil {
		return nil, storageErr("query", c, err)
	}
	if !slices.Contains(schema.indexes, index) {
		return nil, storageErr("query", c, fmt.Errorf("%w: %s", ErrUnknownIndex, index))
	}
	return selectWhere[T, P](ctx, s, c, index+" = ?", []any{indexArg(value)}, "created_at ASC, id ASC", 0)
}

// selectWhere runs a filtered select over c. where and order are trusted SQL fragments.
func selectWhere[T any, P interface {
	*T
	Record
}](ctx context.Context, s *Store, c Collection, where string, args []any, order string, limit int) ([]P, error) {
	q := fmt.Sprintf(`SELECT CAST(id AS TEXT), doc, blob, created_at, updated_at FROM %s`, c)
	if where != "" {
		q += " WHERE " + where
	}
	if order != "" {
		q += " ORDER BY " + order
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("query", c, err)
	}
	defer rows.Close()

	var out []P
	for rows.Next() {
		rec := P(new(T))
		if err := scanRecord(rows, rec); err != nil {
			return nil, storageErr("query", c, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query", c, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, dest Record) error {
	var (
		key                  string
		doc                  string
		blob                 []byte
		createdMs, updatedMs int64
	)
	if err := row.Scan(&key, &doc, &blob, &createdMs, &updatedMs); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(doc), dest); err != nil {
		return fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	if err := dest.SetRecordKey(key); err != nil {
		return err
	}
	meta := dest.RecordMeta()
	meta.CreatedAt = time.UnixMilli(createdMs).UTC()
	meta.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if br, ok := dest.(BlobRecord); ok {
		br.SetBlob(blob)
	}
	return nil
}

func keyArg(schema collectionSchema, key string) (any, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if schema.auto {
		return parseAutoKey(key)
	}
	return key, nil
}

func indexArg(v any) any {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return int64(0)
		}
		return t.UnixMilli()
	case Status:
		return string(t)
	case ItemType:
		return string(t)
	default:
		return v
	}
}
