// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
	"github.com/mobiletoly/go-fieldsync/fieldstore"
)

// Timeouts bounds individual calls. A timeout fails only that call.
type Timeouts struct {
	Health  time.Duration
	Request time.Duration
	Chunk   time.Duration
}

// DefaultTimeouts returns health 4s, request 30s and chunk 60s.
func DefaultTimeouts() Timeouts {
	return Timeouts{Health: 4 * time.Second, Request: 30 * time.Second, Chunk: 60 * time.Second}
}

// Client talks to the remote field API.
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	timeouts Timeouts
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.http = hc } }

// WithTimeouts replaces the per-call timeouts.
func WithTimeouts(t Timeouts) ClientOption { return func(c *Client) { c.timeouts = t } }

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the API at baseURL. tokens may be nil.
func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	if tokens == nil {
		tokens = StaticTokenSource("")
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		tokens:   tokens,
		timeouts: DefaultTimeouts(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Health calls GET /api/health. Any failure is reported as ErrUnreachable.
func (c *Client) Health(ctx context.Context) error {
	status, _, err := c.send(ctx, c.timeouts.Health, "", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+fieldapi.PathHealth, nil)
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrUnreachable, status)
	}
	return nil
}

// GetForm fetches a form definition and returns it with the raw body.
func (c *Client) GetForm(ctx context.Context, id string) (*fieldapi.Form, []byte, error) {
	body, err := c.do(ctx, c.timeouts.Request, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+fieldapi.PathForms+"/"+url.PathEscape(id), nil)
	})
	if err != nil {
		return nil, nil, err
	}
	var form fieldapi.Form
	if err := json.Unmarshal(body, &form); err != nil {
		return nil, nil, fmt.Errorf("failed to decode form %s: %w", id, err)
	}
	return &form, body, nil
}

// Submit posts a submission. req.ID doubles as the Idempotency-Key.
func (c *Client) Submit(ctx context.Context, req *fieldapi.SubmissionRequest) (*fieldapi.SubmissionResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	body, err := c.do(ctx, c.timeouts.Request, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+fieldapi.PathSubmissions, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set(fieldapi.HeaderIdempotency, req.ID)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	var out fieldapi.SubmissionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode submission response: %w", err)
	}
	return &out, nil
}

// GetSubmission fetches a delivered submission by its client id.
func (c *Client) GetSubmission(ctx context.Context, id string) (*fieldapi.Submission, error) {
	body, err := c.do(ctx, c.timeouts.Request, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+fieldapi.PathSubmissions+"/"+url.PathEscape(id), nil)
	})
	if err != nil {
		return nil, err
	}
	var sub fieldapi.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode submission %s: %w", id, err)
	}
	return &sub, nil
}

// ChunkUpload is one chunk of a media upload.
type ChunkUpload struct {
	MediaID     string
	ChunkIndex  int
	TotalChunks int
	FieldName   string
	FormDataID  string
	Filename    string
	Type        string
	Data        []byte
}

// UploadChunk posts one chunk as multipart/form-data.
func (c *Client) UploadChunk(ctx context.Context, up ChunkUpload) (*fieldapi.ChunkResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{fieldapi.FieldMediaID, up.MediaID},
		{fieldapi.FieldChunkIndex, strconv.Itoa(up.ChunkIndex)},
		{fieldapi.FieldTotalChunks, strconv.Itoa(up.TotalChunks)},
		{fieldapi.FieldFieldName, up.FieldName},
		{fieldapi.FieldFormDataID, up.FormDataID},
		{fieldapi.FieldFilename, up.Filename},
		{fieldapi.FieldType, up.Type},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to build chunk form: %w", err)
		}
	}
	fw, err := mw.CreateFormFile(fieldapi.FieldChunk, up.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build chunk form: %w", err)
	}
	if _, err := fw.Write(up.Data); err != nil {
		return nil, fmt.Errorf("failed to build chunk form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build chunk form: %w", err)
	}
	payload := buf.Bytes()

	body, err := c.do(ctx, c.timeouts.Chunk, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+fieldapi.PathMediaChunk, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", mw.FormDataContentType())
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	var out fieldapi.ChunkResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to decode chunk response: %w", err)
		}
	}
	return &out, nil
}

// CompleteMedia asks the server to assemble an uploaded media item.
func (c *Client) CompleteMedia(ctx context.Context, req *fieldapi.MediaCompleteRequest) (*fieldapi.MediaCompleteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}
	body, err := c.do(ctx, c.timeouts.Request, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+fieldapi.PathMediaComplete, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	var out fieldapi.MediaCompleteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	return &out, nil
}

// Replay resends a mutation captured while offline. Absolute URLs are sent as
// captured and relative ones resolve against the API root. Stored headers,
// including any Idempotency-Key, are forwarded; Authorization is replaced.
func (c *Client) Replay(ctx context.Context, qr *fieldstore.QueuedRequest) ([]byte, error) {
	target := qr.URL
	if strings.HasPrefix(target, "/") {
		target = c.baseURL + target
	}
	return c.do(ctx, c.timeouts.Request, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, qr.Method, target, bytes.NewReader(qr.Body))
		if err != nil {
			return nil, err
		}
		for k, vs := range qr.Header {
			if hopHeader(k) {
				continue
			}
			for _, v := range vs {
				r.Header.Add(k, v)
			}
		}
		return r, nil
	})
}

func hopHeader(k string) bool {
	switch http.CanonicalHeaderKey(k) {
	case "Accept-Encoding", "Authorization", "Connection", "Content-Length", "Keep-Alive", "Proxy-Connection",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", fieldapi.HeaderOfflineQueue:
		return true
	}
	return false
}

// do sends the request built by build, bounded by timeout. On 401 it refreshes
// the token once and retries; a second 401 or a failed refresh is
// ErrAuthentication. Transport failures are ErrUnreachable, other non-2xx
// answers are *ServerError.
func (c *Client) do(ctx context.Context, timeout time.Duration, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		status, body, err := c.send(ctx, timeout, tok, build)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			if attempt > 0 {
				return nil, fmt.Errorf("%w: token rejected after refresh", ErrAuthentication)
			}
			c.logger.Debug("Token rejected, refreshing")
			if tok, err = c.tokens.Refresh(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if status < 200 || status > 299 {
			return nil, newServerError(status, body)
		}
		return body, nil
	}
}

func (c *Client) send(ctx context.Context, timeout time.Duration, tok string, build func(ctx context.Context) (*http.Request, error)) (int, []byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := build(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading %s: %v", ErrUnreachable, req.URL.Path, err)
	}
	return resp.StatusCode, body, nil
}

func newServerError(status int, body []byte) *ServerError {
	se := &ServerError{StatusCode: status, Body: body}
	var er fieldapi.ErrorResponse
	if json.Unmarshal(body, &er) == nil {
		se.Code = er.Error
		se.Message = er.Message
	}
	return se
}
