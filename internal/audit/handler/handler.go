// Package handler exposes the audit query API over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"scribe/internal/audit"
	"scribe/internal/audit/query"
	"scribe/internal/platform/middleware"
	"scribe/pkg/eventbus"
	"scribe/pkg/repo"
)

// Service defines the audit operations the HTTP layer delegates to.
type Service interface {
	List(ctx context.Context, caller query.Caller, filter, orderBy string, pageSize, pageNumber int) (int64, []*audit.Entity, error)
	Tables(ctx context.Context) ([]string, error)
	RecordExport(ctx context.Context, caller query.Caller, tableName, filter string) (eventbus.Status, error)
}

// Handler handles audit-related endpoints.
type Handler struct {
	logger    *slog.Logger
	audits    Service
	validator *middleware.Validator
}

// New creates a new audit Handler.
func New(audits Service, logger *slog.Logger, validator *middleware.Validator) *Handler {
	return &Handler{logger: logger, audits: audits, validator: validator}
}

// Register registers the audit routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	auditRouter := chi.NewRouter()
	auditRouter.Use(middleware.Recovery(h.logger))
	auditRouter.Use(middleware.RequestID)
	auditRouter.Use(middleware.Logger(h.logger))
	auditRouter.Use(middleware.RequireAuth(h.validator, h.logger))
	auditRouter.Get("/audits", h.handleList)
	auditRouter.Get("/audits/tables", h.handleTables)
	auditRouter.Post("/audits/export", h.handleExport)

	r.Mount("/", auditRouter)
}

type auditRow struct {
	ID               int64  `json:"id"`
	AuditDateTimeUTC int64  `json:"auditDateTimeUtc"`
	AuditType        string `json:"auditType"`
	AuditUser        string `json:"auditUser"`
	TableName        string `json:"tableName"`
	KeyValues        string `json:"keyValues"`
	OldValues        string `json:"oldValues"`
	NewValues        string `json:"newValues"`
	ChangedColumns   string `json:"changedColumns"`
}

type listResponse struct {
	Total int64      `json:"total"`
	Items []auditRow `json:"items"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := callerFrom(ctx)
	if !ok {
		h.authContextError(w, ctx)
		return
	}

	q := r.URL.Query()
	total, page, err := h.audits.List(ctx, caller,
		q.Get("filter"), q.Get("orderBy"),
		intParam(q.Get("pageSize"), 10), intParam(q.Get("pageNumber"), 1))
	if err != nil {
		if errors.Is(err, repo.ErrInvalidFilter) {
			h.logger.WarnContext(ctx, "invalid audit query",
				"request_id", middleware.GetRequestID(ctx),
				"error", err.Error(),
			)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid filter"})
			return
		}
		h.logger.ErrorContext(ctx, "audit query failed",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	resp := listResponse{Total: total, Items: make([]auditRow, 0, len(page))}
	for _, e := range page {
		resp.Items = append(resp.Items, auditRow{
			ID:               e.ID,
			AuditDateTimeUTC: e.AuditDateTimeUTC,
			AuditType:        e.AuditType,
			AuditUser:        e.AuditUser,
			TableName:        e.TableName,
			KeyValues:        e.KeyValues,
			OldValues:        e.OldValues,
			NewValues:        e.NewValues,
			ChangedColumns:   e.ChangedColumns,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tables, err := h.audits.Tables(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "table registry query failed",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tables": tables})
}

type exportRequest struct {
	TableName string `json:"tableName"`
	Filter    string `json:"filter"`
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := callerFrom(ctx)
	if !ok {
		h.authContextError(w, ctx)
		return
	}

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TableName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	status, err := h.audits.RecordExport(ctx, caller, req.TableName, req.Filter)
	if status != eventbus.StatusSuccess {
		h.logger.ErrorContext(ctx, "export audit failed",
			"request_id", middleware.GetRequestID(ctx),
			"table", req.TableName,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": status.String()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status.String()})
}

func (h *Handler) authContextError(w http.ResponseWriter, ctx context.Context) {
	// Unreachable when RequireAuth is configured.
	h.logger.ErrorContext(ctx, "principal missing from context despite auth middleware",
		"request_id", middleware.GetRequestID(ctx))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "authentication context error"})
}

func callerFrom(ctx context.Context) (query.Caller, bool) {
	p, ok := middleware.GetPrincipal(ctx)
	if !ok {
		return query.Caller{}, false
	}
	return query.Caller{
		User:            p.User,
		OrganizationIDs: p.OrganizationIDs,
		SuperUser:       p.SuperUser,
	}, true
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
