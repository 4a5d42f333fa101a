// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldapi

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrNotFound is returned by repositories for missing rows.
var ErrNotFound = errors.New("not found")

// StoredChunk is a staged media chunk awaiting assembly.
type StoredChunk struct {
	MediaID    string
	Index      int
	Total      int
	FieldName  string
	FormDataID string
	Filename   string
	Type       string
	UserID     string
	Data       []byte
}

// StoredMedia is an assembled media object.
type StoredMedia struct {
	ID          string
	UserID      string
	Filename    string
	Type        string
	FieldName   string
	Size        int64
	Chunks      int
	URL         string
	CompletedAt time.Time
}

// Repository persists server side state.
type Repository interface {
	PutForm(ctx context.Context, form *Form) error
	GetForm(ctx context.Context, id string) (*Form, error)
	ListForms(ctx context.Context, projectID string) ([]*Form, error)

	// CreateSubmission stores sub unless a submission with the same id exists,
	// in which case the stored one is returned and created is false.
	CreateSubmission(ctx context.Context, sub *Submission) (stored *Submission, created bool, err error)
	GetSubmission(ctx context.Context, id string) (*Submission, error)

	// PutChunk stores or replaces a chunk and returns how many distinct chunks
	// of the media are staged.
	PutChunk(ctx context.Context, c *StoredChunk) (int, error)
	ListChunks(ctx context.Context, mediaID string) ([]*StoredChunk, error)
	DeleteChunks(ctx context.Context, mediaID string) error

	PutMedia(ctx context.Context, m *StoredMedia) error
	GetMedia(ctx context.Context, id string) (*StoredMedia, error)
}

// MemoryRepository keeps everything in process memory. Useful for tests and demos.
type MemoryRepository struct {
	mu          sync.RWMutex
	forms       map[string]*Form
	submissions map[string]*Submission
	chunks      map[string]map[int]*StoredChunk
	media       map[string]*StoredMedia
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		forms:       make(map[string]*Form),
		submissions: make(map[string]*Submission),
		chunks:      make(map[string]map[int]*StoredChunk),
		media:       make(map[string]*StoredMedia),
	}
}

func (r *MemoryRepository) PutForm(_ context.Context, form *Form) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *form
	r.forms[form.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetForm(_ context.Context, id string) (*Form, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.forms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *MemoryRepository) ListForms(_ context.Context, projectID string) ([]*Form, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Form
	for _, f := range r.forms {
		if projectID == "" || f.ProjectID == projectID {
			cp := *f
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Form) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *MemoryRepository) CreateSubmission(_ context.Context, sub *Submission) (*Submission, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.submissions[sub.ID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *sub
	r.submissions[sub.ID] = &cp
	out := cp
	return &out, true, nil
}

func (r *MemoryRepository) GetSubmission(_ context.Context, id string) (*Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) PutChunk(_ context.Context, c *StoredChunk) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byIndex, ok := r.chunks[c.MediaID]
	if !ok {
		byIndex = make(map[int]*StoredChunk)
		r.chunks[c.MediaID] = byIndex
	}
	cp := *c
	cp.Data = slices.Clone(c.Data)
	byIndex[c.Index] = &cp
	return len(byIndex), nil
}

func (r *MemoryRepository) ListChunks(_ context.Context, mediaID string) ([]*StoredChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*StoredChunk, 0, len(r.chunks[mediaID]))
	for _, c := range r.chunks[mediaID] {
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *StoredChunk) int { return cmp.Compare(a.Index, b.Index) })
	return out, nil
}

func (r *MemoryRepository) DeleteChunks(_ context.Context, mediaID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, mediaID)
	return nil
}

func (r *MemoryRepository) PutMedia(_ context.Context, m *StoredMedia) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.media[m.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetMedia(_ context.Context, id string) (*StoredMedia, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.media[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}
