// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrMediaIncomplete is returned when completion is requested before every
	// chunk has been staged.
	ErrMediaIncomplete = errors.New("media upload incomplete")
	// ErrMediaNotUploaded is returned when a submission references media the
	// server has not assembled.
	ErrMediaNotUploaded = errors.New("referenced media not uploaded")
)

// ValidationError describes a malformed request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ServiceConfig holds configuration for the field service
type ServiceConfig struct {
	MaxChunkBytes int64 // Maximum size of a single chunk (0 = unlimited)
	MaxMediaBytes int64 // Maximum assembled media size (0 = unlimited)
	Now           func() time.Time
}

// Service implements the remote API consumed by field agents.
type Service struct {
	repo   Repository
	sink   Sink
	config *ServiceConfig
	logger *slog.Logger
}

// NewService creates a new field service
func NewService(repo Repository, sink Sink, config *ServiceConfig, logger *slog.Logger) *Service {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, sink: sink, config: config, logger: logger}
}

func (s *Service) Health() *HealthResponse {
	return &HealthResponse{Status: "ok", Time: s.config.Now().UTC()}
}

func (s *Service) GetForm(ctx context.Context, id string) (*Form, error) {
	return s.repo.GetForm(ctx, id)
}

func (s *Service) ListForms(ctx context.Context, projectID string) ([]*Form, error) {
	return s.repo.ListForms(ctx, projectID)
}

// PutForm publishes a form definition.
func (s *Service) PutForm(ctx context.Context, form *Form) error {
	if form.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if form.Version < 1 {
		return &ValidationError{Field: "version", Message: "must be >= 1"}
	}
	return s.repo.PutForm(ctx, form)
}

// Submit stores a submission once per client id. A retried request returns the
// original result and created=false.
func (s *Service) Submit(ctx context.Context, userID string, req *SubmissionRequest) (*SubmissionResponse, bool, error) {
	if req.ID == "" {
		return nil, false, &ValidationError{Field: "id", Message: "required"}
	}
	if req.FormID == "" {
		return nil, false, &ValidationError{Field: "formId", Message: "required"}
	}
	for _, ref := range req.MediaReferences {
		if ref.MediaID == "" {
			return nil, false, &ValidationError{Field: "mediaReferences", Message: "mediaId required"}
		}
		m, err := s.repo.GetMedia(ctx, ref.MediaID)
		if errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrMediaNotUploaded, ref.MediaID)
		}
		if err != nil {
			return nil, false, err
		}
		if m.UserID != userID {
			return nil, false, fmt.Errorf("%w: %s", ErrMediaNotUploaded, ref.MediaID)
		}
	}

	sub := &Submission{
		SubmissionRequest: *req,
		UserID:            userID,
		ReceivedAt:        s.config.Now().UTC(),
	}
	stored, created, err := s.repo.CreateSubmission(ctx, sub)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.logger.Debug("Duplicate submission", "submission_id", req.ID, "user_id", userID)
	} else {
		s.logger.Info("Submission received", "submission_id", req.ID, "form_id", req.FormID,
			"media_count", len(req.MediaReferences), "user_id", userID)
	}
	return &SubmissionResponse{ID: stored.ID, URL: PathSubmissions + "/" + stored.ID}, created, nil
}

// GetSubmission returns a submission owned by userID.
func (s *Service) GetSubmission(ctx context.Context, userID, id string) (*Submission, error) {
	sub, err := s.repo.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, ErrNotFound
	}
	return sub, nil
}

// UploadChunk stages one chunk. Re-sending a chunk replaces it.
func (s *Service) UploadChunk(ctx context.Context, c *StoredChunk) (*ChunkResponse, error) {
	switch {
	case c.MediaID == "":
		return nil, &ValidationError{Field: FieldMediaID, Message: "required"}
	case c.Total < 1:
		return nil, &ValidationError{Field: FieldTotalChunks, Message: "must be >= 1"}
	case c.Index < 0 || c.Index >= c.Total:
		return nil, &ValidationError{Field: FieldChunkIndex, Message: fmt.Sprintf("must be in [0, %d)", c.Total)}
	case s.config.MaxChunkBytes > 0 && int64(len(c.Data)) > s.config.MaxChunkBytes:
		return nil, &ValidationError{Field: FieldChunk, Message: "too large"}
	}
	if m, err := s.repo.GetMedia(ctx, c.MediaID); err == nil && m.UserID == c.UserID {
		// Already assembled; a late retry of a chunk is acknowledged as is.
		return &ChunkResponse{MediaID: c.MediaID, ChunkIndex: c.Index, Received: m.Chunks}, nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	received, err := s.repo.PutChunk(ctx, c)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Chunk staged", "media_id", c.MediaID, "chunk_index", c.Index, "received", received, "total", c.Total)
	return &ChunkResponse{MediaID: c.MediaID, ChunkIndex: c.Index, Received: received}, nil
}

// CompleteMedia assembles staged chunks, stores the file in the sink and
// returns its URL. Completing an already assembled media returns the same URL.
func (s *Service) CompleteMedia(ctx context.Context, userID string, req *MediaCompleteRequest) (*MediaCompleteResponse, error) {
	if req.MediaID == "" {
		return nil, &ValidationError{Field: "mediaId", Message: "required"}
	}
	if req.Chunks < 0 || req.Size < 0 {
		return nil, &ValidationError{Field: "chunks", Message: "must not be negative"}
	}
	if s.config.MaxMediaBytes > 0 && req.Size > s.config.MaxMediaBytes {
		return nil, &ValidationError{Field: "size", Message: "too large"}
	}

	if m, err := s.repo.GetMedia(ctx, req.MediaID); err == nil {
		if m.UserID != userID {
			return nil, &ValidationError{Field: "mediaId", Message: "already used"}
		}
		return &MediaCompleteResponse{URL: m.URL}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	chunks, err := s.repo.ListChunks(ctx, req.MediaID)
	if err != nil {
		return nil, err
	}
	if len(chunks) != req.Chunks {
		return nil, fmt.Errorf("%w: %d of %d chunks received", ErrMediaIncomplete, len(chunks), req.Chunks)
	}
	var buf bytes.Buffer
	buf.Grow(int(req.Size))
	for i, c := range chunks {
		if c.Index != i {
			return nil, fmt.Errorf("%w: chunk %d missing", ErrMediaIncomplete, i)
		}
		if c.UserID != userID {
			return nil, &ValidationError{Field: "mediaId", Message: "chunks belong to another user"}
		}
		buf.Write(c.Data)
	}
	if int64(buf.Len()) != req.Size {
		return nil, &ValidationError{Field: "size", Message: fmt.Sprintf("assembled %d bytes, expected %d", buf.Len(), req.Size)}
	}

	now := s.config.Now().UTC()
	url, err := s.sink.Put(ctx, StorageKey(userID, req.MediaID, req.Filename, now), req.Type, buf.Bytes())
	if err != nil {
		return nil, err
	}
	media := &StoredMedia{
		ID:          req.MediaID,
		UserID:      userID,
		Filename:    req.Filename,
		Type:        req.Type,
		FieldName:   req.FieldName,
		Size:        req.Size,
		Chunks:      req.Chunks,
		URL:         url,
		CompletedAt: now,
	}
	if err := s.repo.PutMedia(ctx, media); err != nil {
		return nil, err
	}
	if err := s.repo.DeleteChunks(ctx, req.MediaID); err != nil {
		s.logger.Warn("Failed to delete staged chunks", "media_id", req.MediaID, "error", err)
	}
	s.logger.Info("Media assembled", "media_id", req.MediaID, "size", req.Size, "chunks", req.Chunks, "url", url)
	return &MediaCompleteResponse{URL: url}, nil
}
