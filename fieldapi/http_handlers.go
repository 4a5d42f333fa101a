// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
)

const (
	maxJSONBody      = 8 << 20
	maxMultipartBody = 64 << 20
)

// HTTPHandlers exposes Service over HTTP
type HTTPHandlers struct {
	service  *Service
	jwtAuth  *JWTAuth
	logger   *slog.Logger
	tokenTTL time.Duration
}

// NewHTTPHandlers creates handlers; jwtAuth issues tokens for the signin endpoint.
func NewHTTPHandlers(service *Service, jwtAuth *JWTAuth, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, jwtAuth: jwtAuth, logger: logger, tokenTTL: 15 * time.Minute}
}

// NewRouter registers every endpoint. Everything except health and signin
// requires a bearer token.
func NewRouter(h *HTTPHandlers, jwtAuth *JWTAuth) http.Handler {
	mux := http.NewServeMux()
	protect := func(fn http.HandlerFunc) http.Handler { return jwtAuth.Middleware(fn) }

	mux.HandleFunc("GET "+PathHealth, h.HandleHealth)
	mux.HandleFunc("POST "+PathSignin, h.HandleSignin)
	mux.Handle("GET "+PathForms, protect(h.HandleListForms))
	mux.Handle("GET "+PathForms+"/{id}", protect(h.HandleGetForm))
	mux.Handle("PUT "+PathForms+"/{id}", protect(h.HandlePutForm))
	mux.Handle("POST "+PathSubmissions, protect(h.HandleSubmit))
	mux.Handle("GET "+PathSubmissions+"/{id}", protect(h.HandleGetSubmission))
	mux.Handle("POST "+PathMediaChunk, protect(h.HandleMediaChunk))
	mux.Handle("POST "+PathMediaComplete, protect(h.HandleMediaComplete))
	return mux
}

func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.service.Health())
}

// HandleSignin returns a JWT for the provided user/device; any password accepted
func (h *HTTPHandlers) HandleSignin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.User == "" {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "user required")
		return
	}
	if req.Device == "" {
		req.Device = "device-" + uuid.NewString()
	}
	tok, err := h.jwtAuth.GenerateToken(req.User, req.Device, h.tokenTTL)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "token_error", err.Error())
		return
	}
	h.logger.Info("Issued token", "user", req.User, "device", req.Device)
	writeJSON(w, h.logger, http.StatusOK, SigninResponse{
		Token:     tok,
		ExpiresIn: int64(h.tokenTTL / time.Second),
		User:      req.User,
		Device:    req.Device,
	})
}

func (h *HTTPHandlers) HandleListForms(w http.ResponseWriter, r *http.Request) {
	forms, err := h.service.ListForms(r.Context(), r.URL.Query().Get("projectId"))
	if err != nil {
		h.writeServiceError(w, "list_forms_failed", err)
		return
	}
	if forms == nil {
		forms = []*Form{}
	}
	writeJSON(w, h.logger, http.StatusOK, forms)
}

func (h *HTTPHandlers) HandleGetForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.service.GetForm(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "get_form_failed", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, form)
}

func (h *HTTPHandlers) HandlePutForm(w http.ResponseWriter, r *http.Request) {
	var form Form
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&form); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Failed to parse form")
		return
	}
	form.ID = r.PathValue("id")
	if err := h.service.PutForm(r.Context(), &form); err != nil {
		h.writeServiceError(w, "put_form_failed", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, &form)
}

// HandleSubmit accepts a submission. The Idempotency-Key header, when
// present, must match the body id.
func (h *HTTPHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "authentication_failed", "user identity missing")
		return
	}
	var req SubmissionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Failed to parse submission")
		return
	}
	if key := r.Header.Get(HeaderIdempotency); key != "" && req.ID != "" && key != req.ID {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Idempotency-Key does not match submission id")
		return
	}
	resp, created, err := h.service.Submit(r.Context(), userID, &req)
	if err != nil {
		h.writeServiceError(w, "submit_failed", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, h.logger, status, resp)
}

func (h *HTTPHandlers) HandleGetSubmission(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "authentication_failed", "user identity missing")
		return
	}
	sub, err := h.service.GetSubmission(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "get_submission_failed", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, sub)
}

func (h *HTTPHandlers) HandleMediaChunk(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "authentication_failed", "user identity missing")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBody)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Failed to parse multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	index, err := strconv.Atoi(r.FormValue(FieldChunkIndex))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "chunkIndex must be an integer")
		return
	}
	total, err := strconv.Atoi(r.FormValue(FieldTotalChunks))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "totalChunks must be an integer")
		return
	}
	file, _, err := r.FormFile(FieldChunk)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "chunk file required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Failed to read chunk")
		return
	}

	resp, err := h.service.UploadChunk(r.Context(), &StoredChunk{
		MediaID:    r.FormValue(FieldMediaID),
		Index:      index,
		Total:      total,
		FieldName:  r.FormValue(FieldFieldName),
		FormDataID: r.FormValue(FieldFormDataID),
		Filename:   r.FormValue(FieldFilename),
		Type:       r.FormValue(FieldType),
		UserID:     userID,
		Data:       data,
	})
	if err != nil {
		h.writeServiceError(w, "chunk_failed", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

func (h *HTTPHandlers) HandleMediaComplete(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "authentication_failed", "user identity missing")
		return
	}
	var req MediaCompleteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Failed to parse completion request")
		return
	}
	resp, err := h.service.CompleteMedia(r.Context(), userID, &req)
	if err != nil {
		h.writeServiceError(w, "complete_failed", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, code string, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", ve.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, h.logger, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, ErrMediaIncomplete):
		writeError(w, h.logger, http.StatusConflict, CodeMediaIncomplete, err.Error())
	case errors.Is(err, ErrMediaNotUploaded):
		writeError(w, h.logger, http.StatusUnprocessableEntity, "media_not_uploaded", err.Error())
	default:
		h.logger.Error("Request failed", "code", code, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, code, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, logger *slog.Logger, status int, code, message string) {
	writeJSON(w, logger, status, ErrorResponse{Error: code, Message: message})
}
