// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldapi

import (
	"encoding/json"
	"time"
)

// Endpoint paths of the remote API.
const (
	PathHealth         = "/api/health"
	PathSignin         = "/api/auth/signin"
	PathForms          = "/api/forms"
	PathSubmissions    = "/api/submissions"
	PathMediaChunk     = "/api/media/chunk"
	PathMediaComplete  = "/api/media/complete"
	HeaderIdempotency  = "Idempotency-Key"
	HeaderOfflineQueue = "X-Fieldsync-Queued"
)

// Multipart field names of a chunk upload.
const (
	FieldMediaID     = "mediaId"
	FieldChunkIndex  = "chunkIndex"
	FieldTotalChunks = "totalChunks"
	FieldFieldName   = "fieldName"
	FieldFormDataID  = "formDataId"
	FieldFilename    = "filename"
	FieldType        = "type"
	FieldChunk       = "chunk"
)

// CodeMediaIncomplete is the error code of a completion request for media
// whose chunks the server does not fully hold.
const CodeMediaIncomplete = "media_incomplete"

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// Form is a form definition as served by GET /api/forms/{id}.
type Form struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId"`
	Version   int               `json:"version"`
	Title     string            `json:"title,omitempty"`
	Steps     []json.RawMessage `json:"steps"`
}

// MediaReference links a submission field to uploaded media.
type MediaReference struct {
	MediaID   string `json:"mediaId"`
	FieldName string `json:"fieldName"`
	Filename  string `json:"filename,omitempty"`
	Type      string `json:"type,omitempty"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
}

// SubmissionRequest is the body of POST /api/submissions. ID is the client
// generated idempotency key.
type SubmissionRequest struct {
	ID              string           `json:"id"`
	FormID          string           `json:"formId"`
	ProjectID       string           `json:"projectId"`
	Data            map[string]any   `json:"data"`
	MediaReferences []MediaReference `json:"mediaReferences"`
	CreatedAt       time.Time        `json:"createdAt"`
	Version         int              `json:"version"`
}

// SubmissionResponse is returned by POST /api/submissions.
type SubmissionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Submission is a stored submission as returned by GET /api/submissions/{id}.
type Submission struct {
	SubmissionRequest
	UserID     string    `json:"userId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// MediaCompleteRequest is the body of POST /api/media/complete.
type MediaCompleteRequest struct {
	MediaID   string `json:"mediaId"`
	Filename  string `json:"filename"`
	Type      string `json:"type"`
	Chunks    int    `json:"chunks"`
	Size      int64  `json:"size"`
	FieldName string `json:"fieldName"`
}

// MediaCompleteResponse is returned by POST /api/media/complete.
type MediaCompleteResponse struct {
	URL string `json:"url"`
}

// ChunkResponse acknowledges a chunk.
type ChunkResponse struct {
	MediaID    string `json:"mediaId"`
	ChunkIndex int    `json:"chunkIndex"`
	Received   int    `json:"received"`
}

// SigninRequest requests a development token.
type SigninRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

// SigninResponse carries an issued token.
type SigninResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      string `json:"user"`
	Device    string `json:"device"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
