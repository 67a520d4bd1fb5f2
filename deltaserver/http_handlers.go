// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltaserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mobiletoly/go-deltasync/deltasync"
	"github.com/mobiletoly/go-deltasync/internal/auth"
)

// maxEntityBody caps create/update request bodies
const maxEntityBody = 1 << 20

// HTTPHandlers exposes the delta service over HTTP
type HTTPHandlers struct {
	service *Service
	jwtAuth *JWTAuth // nil disables authentication
	logger  *slog.Logger
}

// NewHTTPHandlers creates a new instance of delta handlers
func NewHTTPHandlers(service *Service, jwtAuth *JWTAuth, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service: service,
		jwtAuth: jwtAuth,
		logger:  logger,
	}
}

// Register adds the delta and entity routes to mux
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.Handle("GET /me", h.protect(http.HandlerFunc(h.HandleMe)))
	mux.Handle("GET /{collection}/delta", h.protect(http.HandlerFunc(h.HandleDelta)))
	mux.Handle("POST /{collection}", h.protect(http.HandlerFunc(h.HandleCreate)))
	mux.Handle("GET /{collection}/{id}", h.protect(http.HandlerFunc(h.HandleGet)))
	mux.Handle("PATCH /{collection}/{id}", h.protect(http.HandlerFunc(h.HandleUpdate)))
	mux.Handle("DELETE /{collection}/{id}", h.protect(http.HandlerFunc(h.HandleDelete)))
}

// Handler returns a mux serving all routes
func (h *HTTPHandlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func (h *HTTPHandlers) protect(next http.Handler) http.Handler {
	if h.jwtAuth == nil {
		return next
	}
	return h.jwtAuth.Middleware(next)
}

// HandleDelta serves one page of a delta traversal
func (h *HTTPHandlers) HandleDelta(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	query := r.URL.Query()

	q := DeltaQuery{
		SkipToken:  query.Get(deltasync.ParamSkipToken),
		DeltaToken: query.Get(deltasync.ParamDeltaToken),
		PageSize:   parseMaxPageSize(r.Header.Get(deltasync.HeaderPrefer)),
	}
	if q.SkipToken != "" && q.DeltaToken != "" {
		h.writeError(w, http.StatusBadRequest, deltasync.CodeBadRequest, "$skiptoken and $deltatoken are mutually exclusive")
		return
	}
	if sel := query.Get(deltasync.ParamSelect); sel != "" {
		q.Select = strings.Split(sel, ",")
	}

	page, err := h.service.Delta(r.Context(), collection, q)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := deltasync.DeltaResponse{
		Context: fmt.Sprintf("%s/$metadata#%s", baseURL(r), collection),
		Value:   make([]json.RawMessage, 0, len(page.Entities)),
	}
	for _, e := range page.Entities {
		raw, err := encodeEntity(e, page.Fields)
		if err != nil {
			h.logger.Error("Failed to encode entity", "error", err, "collection", collection, "id", e.ID)
			h.writeError(w, http.StatusInternalServerError, deltasync.CodeInternalError, "Failed to encode entity")
			return
		}
		resp.Value = append(resp.Value, raw)
	}
	link := baseURL(r) + r.URL.Path
	if page.SkipToken != "" {
		resp.NextLink = link + "?" + deltasync.ParamSkipToken + "=" + url.QueryEscape(page.SkipToken)
	} else {
		resp.DeltaLink = link + "?" + deltasync.ParamDeltaToken + "=" + url.QueryEscape(page.DeltaToken)
	}

	userID, _ := auth.GetUserID(r.Context())
	h.logger.Debug("Served delta page",
		"collection", collection,
		"user_id", userID,
		"entities", len(resp.Value),
		"terminal", resp.DeltaLink != "")

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleCreate creates an entity from a JSON object
func (h *HTTPHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	attrs, ok := h.readAttributes(w, r)
	if !ok {
		return
	}
	entity, err := h.service.Create(r.Context(), collection, attrs)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeEntity(w, http.StatusCreated, entity)
}

// HandleGet returns the current state of an entity
func (h *HTTPHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	entity, err := h.service.Get(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeEntity(w, http.StatusOK, entity)
}

// HandleUpdate merges a JSON object into an entity
func (h *HTTPHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	patch, ok := h.readAttributes(w, r)
	if !ok {
		return
	}
	entity, err := h.service.Update(r.Context(), r.PathValue("collection"), r.PathValue("id"), patch)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeEntity(w, http.StatusOK, entity)
}

// HandleDelete deletes an entity
func (h *HTTPHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), r.PathValue("collection"), r.PathValue("id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe returns the signed-in user
func (h *HTTPHandlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, deltasync.CodeUnauthenticated, "No signed-in user")
		return
	}
	name, _ := auth.GetDisplayName(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":                userID,
		"userPrincipalName": userID,
		"displayName":       name,
	})
}

func (h *HTTPHandlers) readAttributes(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var attrs map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEntityBody)).Decode(&attrs); err != nil || attrs == nil {
		h.writeError(w, http.StatusBadRequest, deltasync.CodeBadRequest, "Request body must be a JSON object")
		return nil, false
	}
	return attrs, true
}

func (h *HTTPHandlers) writeEntity(w http.ResponseWriter, status int, e Entity) {
	raw, err := encodeEntity(e, nil)
	if err != nil {
		h.logger.Error("Failed to encode entity", "error", err, "id", e.ID)
		h.writeError(w, http.StatusInternalServerError, deltasync.CodeInternalError, "Failed to encode entity")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		h.writeError(w, http.StatusGone, deltasync.CodeSyncStateNotFound, err.Error())
	case errors.Is(err, ErrUnknownCollection), errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, deltasync.CodeNotFound, err.Error())
	case errors.Is(err, ErrInvalidEntity):
		h.writeError(w, http.StatusBadRequest, deltasync.CodeBadRequest, err.Error())
	default:
		h.logger.Error("Delta service failure", "error", err)
		h.writeError(w, http.StatusInternalServerError, deltasync.CodeInternalError, "Internal server error")
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeError(w, h.logger, statusCode, errorCode, message)
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := deltasync.ErrorResponse{
		Error: deltasync.ErrorDetail{
			Code:    errorCode,
			Message: message,
		},
	}
	_ = json.NewEncoder(w).Encode(errorResponse)

	logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

// encodeEntity renders an entity in wire form: id, selected attributes, or a tombstone
func encodeEntity(e Entity, fields []string) (json.RawMessage, error) {
	if e.Deleted {
		return json.Marshal(map[string]any{
			deltasync.IDField:           e.ID,
			deltasync.AnnotationRemoved: deltasync.RemovedMarker{Reason: deltasync.RemovedReasonDeleted},
		})
	}
	out := make(map[string]any, len(e.Attributes)+1)
	if len(fields) == 0 {
		for k, v := range e.Attributes {
			out[k] = v
		}
	} else {
		for _, f := range fields {
			out[f] = e.Attributes[f]
		}
	}
	out[deltasync.IDField] = e.ID
	return json.Marshal(out)
}

// parseMaxPageSize extracts N from a "Prefer: odata.maxpagesize=N" header
func parseMaxPageSize(prefer string) int {
	for _, pref := range strings.Split(prefer, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pref), "=")
		if !ok || !strings.EqualFold(name, "odata.maxpagesize") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
