// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state shared by submissions, media items and queue items.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"  // submissions and media
	StatusProcessing Status = "processing" // queue items
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no automatic transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ItemType discriminates sync queue items.
type ItemType string

const (
	ItemFormSubmission ItemType = "form_submission"
	ItemMediaUpload    ItemType = "media_upload"
	ItemRequestReplay  ItemType = "request_replay"
)

// Meta carries the timestamps every stored record has.
type Meta struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecordMeta implements Record.
func (m *Meta) RecordMeta() *Meta { return m }

// Field is a single input of a form step. Only the parts the sync core reads are modelled.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Step is one page of a multi-step form.
type Step struct {
	ID     string  `json:"id"`
	Title  string  `json:"title,omitempty"`
	Fields []Field `json:"fields,omitempty"`
}

// FormTemplate is a cached form definition.
type FormTemplate struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Version   int             `json:"version"`
	Title     string          `json:"title,omitempty"`
	Steps     []Step          `json:"steps"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Meta
}

func (f *FormTemplate) StepCount() int { return len(f.Steps) }

func (f *FormTemplate) RecordKey() string           { return f.ID }
func (f *FormTemplate) SetRecordKey(k string) error { f.ID = k; return nil }
func (f *FormTemplate) IndexValues() map[string]any {
	return map[string]any{"project_id": f.ProjectID}
}

// Draft is an in-progress, not yet submitted answer set.
type Draft struct {
	ID          int64          `json:"id"`
	FormID      string         `json:"formId"`
	ProjectID   string         `json:"projectId"`
	Data        map[string]any `json:"data"`
	CurrentStep int            `json:"currentStep"`
	Meta
}

func (d *Draft) RecordKey() string { return autoKey(d.ID) }
func (d *Draft) SetRecordKey(k string) error {
	id, err := parseAutoKey(k)
	d.ID = id
	return err
}
func (d *Draft) IndexValues() map[string]any {
	return map[string]any{"form_id": d.FormID, "updated_at": d.UpdatedAt}
}

// Submission is a frozen answer set awaiting or having completed delivery.
type Submission struct {
	ID          int64           `json:"id"`
	ClientID    string          `json:"clientId"` // idempotency key sent to the server
	FormID      string          `json:"formId"`
	ProjectID   string          `json:"projectId"`
	DraftID     int64           `json:"draftId,omitempty"`
	Data        map[string]any  `json:"data"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retryCount"`
	NextRetryAt time.Time       `json:"nextRetryAt,omitzero"`
	LastError   string          `json:"lastError,omitempty"`
	ServerID    string          `json:"serverId,omitempty"`
	ServerURL   string          `json:"serverUrl,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	Version     int             `json:"version"`
	Meta
}

func (s *Submission) RecordKey() string { return autoKey(s.ID) }
func (s *Submission) SetRecordKey(k string) error {
	id, err := parseAutoKey(k)
	s.ID = id
	return err
}
func (s *Submission) IndexValues() map[string]any {
	return map[string]any{
		"form_id":    s.FormID,
		"project_id": s.ProjectID,
		"status":     string(s.Status),
		"created_at": s.CreatedAt,
	}
}

// MediaItem is a binary attachment stored as contiguous chunks.
type MediaItem struct {
	ID             string `json:"id"`
	OwnerRef       string `json:"ownerRef"`
	FieldName      string `json:"fieldName"`
	Filename       string `json:"filename"`
	MimeType       string `json:"mimeType"`
	Size           int64  `json:"size"`
	Chunks         int    `json:"chunks"`
	UploadedChunks int    `json:"uploadedChunks"`
	Status         Status `json:"status"`
	ServerURL      string `json:"serverUrl,omitempty"`
	RetryCount     int    `json:"retryCount"`
	LastError      string `json:"lastError,omitempty"`
	Meta
}

func (m *MediaItem) RecordKey() string           { return m.ID }
func (m *MediaItem) SetRecordKey(k string) error { m.ID = k; return nil }
func (m *MediaItem) IndexValues() map[string]any {
	return map[string]any{
		"owner_ref":  m.OwnerRef,
		"field_name": m.FieldName,
		"status":     string(m.Status),
	}
}

// Chunk is one fixed-size fragment of a MediaItem.
type Chunk struct {
	ID      string `json:"id"`
	MediaID string `json:"mediaId"`
	Index   int    `json:"index"`
	Size    int    `json:"size"`
	Data    []byte `json:"-"`
	Meta
}

// ChunkID derives the deterministic chunk identifier.
func ChunkID(mediaID string, index int) string {
	return mediaID + "_" + strconv.Itoa(index)
}

func (c *Chunk) RecordKey() string           { return c.ID }
func (c *Chunk) SetRecordKey(k string) error { c.ID = k; return nil }
func (c *Chunk) IndexValues() map[string]any {
	return map[string]any{"media_id": c.MediaID, "chunk_index": c.Index}
}
func (c *Chunk) Blob() []byte     { return c.Data }
func (c *Chunk) SetBlob(b []byte) { c.Data = b }

// QueueItem is a pending outbound operation.
type QueueItem struct {
	ID                string    `json:"id"`
	Type              ItemType  `json:"type"`
	PayloadRef        string    `json:"payloadRef"`
	Status            Status    `json:"status"`
	Attempts          int       `json:"attempts"`
	LastError         string    `json:"lastError,omitempty"`
	NextEligibleRetry time.Time `json:"nextEligibleRetry"`
	Priority          int       `json:"priority"`
	Meta
}

func (q *QueueItem) RecordKey() string           { return q.ID }
func (q *QueueItem) SetRecordKey(k string) error { q.ID = k; return nil }
func (q *QueueItem) IndexValues() map[string]any {
	return map[string]any{
		"type":                string(q.Type),
		"status":              string(q.Status),
		"created_at":          q.CreatedAt,
		"next_eligible_retry": q.NextEligibleRetry,
		"payload_ref":         q.PayloadRef,
		"priority":            q.Priority,
	}
}

// QueuedRequest is a mutation captured while offline, replayed by the sync engine.
type QueuedRequest struct {
	ID           string      `json:"id"`
	Tag          string      `json:"tag"`
	ResourceType string      `json:"resourceType"`
	Method       string      `json:"method"`
	URL          string      `json:"url"`
	Header       http.Header `json:"header,omitempty"`
	Body         []byte      `json:"-"`
	Meta
}

func (r *QueuedRequest) RecordKey() string           { return r.ID }
func (r *QueuedRequest) SetRecordKey(k string) error { r.ID = k; return nil }
func (r *QueuedRequest) IndexValues() map[string]any {
	return map[string]any{"tag": r.Tag, "resource_type": r.ResourceType}
}
func (r *QueuedRequest) Blob() []byte     { return r.Body }
func (r *QueuedRequest) SetBlob(b []byte) { r.Body = b }

// DraftRef and SubmissionRef build MediaItem owner references.
func DraftRef(id int64) string      { return "draft:" + autoKey(id) }
func SubmissionRef(id int64) string { return "submission:" + autoKey(id) }

// ParseOwnerRef splits an owner reference into its kind and id.
func ParseOwnerRef(ref string) (kind string, id int64, err error) {
	kind, raw, ok := strings.Cut(ref, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid owner ref %q", ref)
	}
	id, err = parseAutoKey(raw)
	if err != nil {
		return "", 0, fmt.Errorf("invalid owner ref %q: %w", ref, err)
	}
	return kind, id, nil
}

func autoKey(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func parseAutoKey(k string) (int64, error) {
	if k == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(k, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric key %q: %w", k, err)
	}
	return id, nil
}
