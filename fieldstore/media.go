// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultChunkSize is the media chunk size used when none is configured.
const DefaultChunkSize = 1 << 20

// ErrCorruptMedia is returned when stored chunks do not match their MediaItem.
var ErrCorruptMedia = errors.New("media chunks are missing or inconsistent")

// MediaInput describes a binary payload to store.
type MediaInput struct {
	Data      []byte
	MimeType  string
	Filename  string
	OwnerRef  string
	FieldName string
}

// MediaFile is a stored MediaItem with its reassembled bytes.
type MediaFile struct {
	Item *MediaItem
	Data []byte
}

// MediaStore splits payloads into chunks on write and reassembles them on read.
type MediaStore struct {
	store      *Store
	queue      *Queue
	chunkSize  int
	compressor *ImageCompressor
	online     func() bool
	logger     *slog.Logger
	mu         sync.Mutex
}

// MediaOption configures a MediaStore.
type MediaOption func(*MediaStore)

// WithChunkSize sets the chunk size in bytes.
func WithChunkSize(n int) MediaOption {
	return func(m *MediaStore) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithCompressor enables image compression before storage.
func WithCompressor(c *ImageCompressor) MediaOption {
	return func(m *MediaStore) { m.compressor = c }
}

// WithConnectivity sets the online check consulted after a successful store.
// When it reports online an upload is enqueued right away.
func WithConnectivity(online func() bool) MediaOption {
	return func(m *MediaStore) { m.online = online }
}

// WithMediaLogger sets the media store logger.
func WithMediaLogger(l *slog.Logger) MediaOption {
	return func(m *MediaStore) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMediaStore creates a chunked media store.
func NewMediaStore(store *Store, queue *Queue, opts ...MediaOption) *MediaStore {
	m := &MediaStore{
		store:     store,
		queue:     queue,
		chunkSize: DefaultChunkSize,
		online:    func() bool { return false },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ChunkSize returns the configured chunk size.
func (m *MediaStore) ChunkSize() int { return m.chunkSize }

// StoreMedia persists in as a MediaItem plus its chunks and returns the media id.
// Upload happens later; when online an upload item is enqueued immediately.
func (m *MediaStore) StoreMedia(ctx context.Context, in MediaInput) (string, error) {
	data := in.Data
	if m.compressor != nil && m.compressor.Supports(in.MimeType) {
		compressed, err := m.compressor.Compress(data, in.MimeType)
		if err != nil {
			m.logger.Warn("Image compression failed, storing original", "filename", in.Filename, "error", err)
		} else {
			data = compressed
		}
	}

	count := (len(data) + m.chunkSize - 1) / m.chunkSize
	item := &MediaItem{
		ID:        uuid.NewString(),
		OwnerRef:  in.OwnerRef,
		FieldName: in.FieldName,
		Filename:  in.Filename,
		MimeType:  in.MimeType,
		Size:      int64(len(data)),
		Chunks:    count,
		Status:    StatusPending,
	}
	if err := m.store.Put(ctx, Media, item); err != nil {
		return "", err
	}

	for i := 0; i < count; i++ {
		start := i * m.chunkSize
		end := min(start+m.chunkSize, len(data))
		chunk := &Chunk{
			ID:      ChunkID(item.ID, i),
			MediaID: item.ID,
			Index:   i,
			Size:    end - start,
			Data:    data[start:end],
		}
		if err := m.store.Put(ctx, Chunks, chunk); err != nil {
			return "", fmt.Errorf("failed to store chunk %d of %s: %w", i, item.ID, err)
		}
	}

	m.logger.Debug("Stored media", "media_id", item.ID, "size", item.Size, "chunks", count)

	if m.online() && m.queue != nil {
		if _, err := m.EnqueueUpload(ctx, item.ID); err != nil {
			return "", err
		}
	}
	return item.ID, nil
}

// Get loads a MediaItem.
func (m *MediaStore) Get(ctx context.Context, id string) (*MediaItem, error) {
	var item MediaItem
	if err := m.store.Get(ctx, Media, id, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Chunk loads one chunk of a media item.
func (m *MediaStore) Chunk(ctx context.Context, mediaID string, index int) (*Chunk, error) {
	var c Chunk
	if err := m.store.Get(ctx, Chunks, ChunkID(mediaID, index), &c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: chunk %d of %s", ErrCorruptMedia, index, mediaID)
		}
		return nil, err
	}
	return &c, nil
}

// GetMediaFile returns the item and its chunks concatenated in index order.
func (m *MediaStore) GetMediaFile(ctx context.Context, id string) (*MediaFile, error) {
	item, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	chunks, err := selectWhere[Chunk](ctx, m.store, Chunks, "media_id = ?", []any{id}, "chunk_index ASC", 0)
	if err != nil {
		return nil, err
	}
	if len(chunks) != item.Chunks {
		return nil, fmt.Errorf("%w: %s has %d of %d chunks", ErrCorruptMedia, id, len(chunks), item.Chunks)
	}

	var buf bytes.Buffer
	buf.Grow(int(item.Size))
	for i, c := range chunks {
		if c.Index != i || len(c.Data) != c.Size {
			return nil, fmt.Errorf("%w: %s chunk %d", ErrCorruptMedia, id, i)
		}
		buf.Write(c.Data)
	}
	if int64(buf.Len()) != item.Size {
		return nil, fmt.Errorf("%w: %s reassembled %d of %d bytes", ErrCorruptMedia, id, buf.Len(), item.Size)
	}
	data := buf.Bytes()
	if data == nil {
		data = []byte{}
	}
	return &MediaFile{Item: item, Data: data}, nil
}

// ListByOwner returns the media attached to ownerRef.
func (m *MediaStore) ListByOwner(ctx context.Context, ownerRef string) ([]*MediaItem, error) {
	return Query[MediaItem](ctx, m.store, Media, "owner_ref", ownerRef)
}

// UpdateProgress records how many chunks the server has acknowledged.
func (m *MediaStore) UpdateProgress(ctx context.Context, id string, uploaded int) error {
	return m.update(ctx, id, func(item *MediaItem) error {
		if uploaded < 0 || uploaded > item.Chunks {
			return fmt.Errorf("uploaded chunk count %d out of range 0..%d", uploaded, item.Chunks)
		}
		item.UploadedChunks = uploaded
		if item.Status == StatusPending || item.Status == StatusError {
			item.Status = StatusUploading
		}
		return nil
	})
}

// MarkUploading flags an item as being uploaded.
func (m *MediaStore) MarkUploading(ctx context.Context, id string) error {
	return m.update(ctx, id, func(item *MediaItem) error {
		if item.Status == StatusCompleted {
			return nil
		}
		item.Status = StatusUploading
		return nil
	})
}

// MarkCompleted records the server URL. Every chunk must have been acknowledged.
func (m *MediaStore) MarkCompleted(ctx context.Context, id, serverURL string) error {
	return m.update(ctx, id, func(item *MediaItem) error {
		if item.UploadedChunks != item.Chunks {
			return fmt.Errorf("media %s has %d of %d chunks uploaded", id, item.UploadedChunks, item.Chunks)
		}
		item.Status = StatusCompleted
		item.ServerURL = serverURL
		item.LastError = ""
		return nil
	})
}

// MarkError records a failed upload attempt. terminal selects failed over error.
func (m *MediaStore) MarkError(ctx context.Context, id, message string, terminal bool) error {
	return m.update(ctx, id, func(item *MediaItem) error {
		if item.Status == StatusCompleted {
			return nil
		}
		item.RetryCount++
		item.LastError = message
		if terminal {
			item.Status = StatusFailed
		} else {
			item.Status = StatusError
		}
		return nil
	})
}

// ResetForRetry puts a failed item back to pending for a manual retry. Its
// chunks are sent again from the first one.
func (m *MediaStore) ResetForRetry(ctx context.Context, id string) error {
	return m.update(ctx, id, func(item *MediaItem) error {
		if item.Status == StatusFailed {
			item.Status = StatusPending
			item.UploadedChunks = 0
		}
		return nil
	})
}

// Release moves an uploading item back to pending, keeping its progress.
func (m *MediaStore) Release(ctx context.Context, id string) error {
	return m.update(ctx, id, func(item *MediaItem) error {
		if item.Status == StatusUploading {
			item.Status = StatusPending
		}
		return nil
	})
}

// Reassign moves all media of one owner to another, e.g. from a draft to its submission.
func (m *MediaStore) Reassign(ctx context.Context, fromRef, toRef string) (int, error) {
	items, err := m.ListByOwner(ctx, fromRef)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := m.update(ctx, item.ID, func(it *MediaItem) error {
			it.OwnerRef = toRef
			return nil
		}); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

// EnqueueUpload adds an upload item for id unless one is already active.
// It reports whether a new item was created.
func (m *MediaStore) EnqueueUpload(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.queue.HasActive(ctx, ItemMediaUpload, id)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}
	if _, err := m.queue.Enqueue(ctx, ItemMediaUpload, id, PriorityMedia); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a media item and its chunks.
func (m *MediaStore) Delete(ctx context.Context, id string) error {
	item, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	for i := 0; i < item.Chunks; i++ {
		if err := m.store.Delete(ctx, Chunks, ChunkID(id, i)); err != nil {
			return err
		}
	}
	return m.store.Delete(ctx, Media, id)
}

func (m *MediaStore) update(ctx context.Context, id string, fn func(item *MediaItem) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(item); err != nil {
		return err
	}
	return m.store.Put(ctx, Media, item)
}
