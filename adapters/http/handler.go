// Package http exposes the crud service as a JSON REST API.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/artpar/tablegate/core/crud"
	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/query"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Default request headers carrying the caller's identity. Authentication is
// expected to happen in front of this service.
const (
	DefaultPrincipalHeader = "X-Principal"
	DefaultRolesHeader     = "X-Principal-Roles"
)

const maxBodyBytes = 10 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  []errs.FieldError `json:"fields,omitempty"`
}

// Handler translates HTTP requests into crud operations.
type Handler struct {
	service         *crud.Service
	principalHeader string
	rolesHeader     string
	logger          zerolog.Logger
}

// NewHandler creates a handler. Empty header names use the defaults.
func NewHandler(service *crud.Service, principalHeader, rolesHeader string, logger zerolog.Logger) *Handler {
	if principalHeader == "" {
		principalHeader = DefaultPrincipalHeader
	}
	if rolesHeader == "" {
		rolesHeader = DefaultRolesHeader
	}
	return &Handler{
		service:         service,
		principalHeader: principalHeader,
		rolesHeader:     rolesHeader,
		logger:          logger,
	}
}

// principal reads the caller from the configured headers. A missing
// principal header yields the anonymous principal.
func (h *Handler) principal(r *http.Request) ports.Principal {
	p := ports.Principal{ID: strings.TrimSpace(r.Header.Get(h.principalHeader))}
	for _, role := range strings.Split(r.Header.Get(h.rolesHeader), ",") {
		if role = strings.TrimSpace(role); role != "" {
			p.Roles = append(p.Roles, role)
		}
	}
	return p
}

// Schema handles GET /schema/{model}?context=list,form.
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	contexts := schema.ParseContexts(r.URL.Query().Get("context"))
	payload, err := h.service.Schema(r.Context(), h.principal(r), chi.URLParam(r, "model"), contexts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// List handles GET /api/{model}.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	req, err := query.ParseRequest(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.service.List(r.Context(), h.principal(r), chi.URLParam(r, "model"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Get handles GET /api/{model}/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), h.principal(r), chi.URLParam(r, "model"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Create handles POST /api/{model}.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := decodeBody(r, &input); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.service.Create(r.Context(), h.principal(r), chi.URLParam(r, "model"), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Update handles PUT and PATCH /api/{model}/{id}. Only the given fields change.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := decodeBody(r, &input); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.service.Update(r.Context(), h.principal(r), chi.URLParam(r, "model"), chi.URLParam(r, "id"), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/{model}/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), h.principal(r), chi.URLParam(r, "model"), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Action handles POST /api/{model}/{id}/actions/{action}.
func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RunAction(r.Context(), h.principal(r),
		chi.URLParam(r, "model"), chi.URLParam(r, "id"), chi.URLParam(r, "action"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Related handles GET /api/{model}/{id}/{relation}.
func (h *Handler) Related(w http.ResponseWriter, r *http.Request) {
	req, err := query.ParseRequest(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.service.Related(r.Context(), h.principal(r),
		chi.URLParam(r, "model"), chi.URLParam(r, "id"), chi.URLParam(r, "relation"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// linkBody is the payload of attach and detach requests.
type linkBody struct {
	IDs []any `json:"ids"`
}

// Attach handles POST /api/{model}/{id}/{relation} with {"ids": [...]}.
func (h *Handler) Attach(w http.ResponseWriter, r *http.Request) {
	var body linkBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	n, err := h.service.Attach(r.Context(), h.principal(r),
		chi.URLParam(r, "model"), chi.URLParam(r, "id"), chi.URLParam(r, "relation"), body.IDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"attached": n})
}

// Detach handles DELETE /api/{model}/{id}/{relation} with {"ids": [...]}.
func (h *Handler) Detach(w http.ResponseWriter, r *http.Request) {
	var body linkBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	n, err := h.service.Detach(r.Context(), h.principal(r),
		chi.URLParam(r, "model"), chi.URLParam(r, "id"), chi.URLParam(r, "relation"), body.IDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"detached": n})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return &errs.InvalidInputError{Field: "body", Reason: "request body is required"}
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &errs.InvalidInputError{Field: "body", Reason: "request body is required"}
		}
		return &errs.InvalidInputError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

// writeError writes err with the status and code its kind maps to.
// Internal errors are logged and their message is not exposed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	detail := ErrorDetail{Code: errs.Code(err), Message: err.Error()}

	var validation *errs.ValidationError
	if errors.As(err, &validation) {
		detail.Fields = validation.Fields
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
		detail.Message = http.StatusText(status)
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
