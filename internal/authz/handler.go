package authz

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/observability"
	"github.com/flowdeck/flowdeck/internal/platform/httpx"
	"github.com/flowdeck/flowdeck/internal/shared"
)

// MaxBatchChecks caps a single batch-check request. List views that need
// more should page.
const MaxBatchChecks = 100

// ManagementStore is the read surface the management endpoints need beyond
// the decision and lifecycle services.
type ManagementStore interface {
	ListRoles(ctx context.Context) ([]Role, error)
	ListAssignments(ctx context.Context, filter AssignmentFilter) ([]Assignment, error)
	RolesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Role, error)
}

// Handler exposes the management REST surface. The surrounding router is
// expected to gate these routes behind Admin-level authorization.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	lifecycle *Lifecycle
	store     ManagementStore
	metrics   *observability.Metrics
	validator *validator.Validate
	rateLimit func(http.Handler) http.Handler
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, lifecycle *Lifecycle, store ManagementStore, metrics *observability.Metrics) *Handler {
	limiter := httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if p := shared.PrincipalFromContext(r.Context()); p != nil {
			return "user:" + p.UserID.String(), nil
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "ip:" + r.RemoteAddr, nil
		}
		return "ip:" + host, nil
	}))
	return &Handler{
		logger:    logger,
		service:   service,
		lifecycle: lifecycle,
		store:     store,
		metrics:   metrics,
		validator: validator.New(),
		rateLimit: limiter,
	}
}

// MountManagementRoutes registers the Admin-gated role and assignment
// endpoints. The caller mounts them behind Middleware.RequireAdmin.
func (h *Handler) MountManagementRoutes(r chi.Router) {
	r.Get("/roles", h.listRoles)
	r.Route("/assignments", func(r chi.Router) {
		r.Get("/", h.listAssignments)
		r.Post("/", h.createAssignment)
		r.Patch("/{assignmentID}", h.updateAssignment)
		r.Delete("/{assignmentID}", h.deleteAssignment)
	})
}

// MountDecisionRoutes registers the decision endpoints, which need only a
// verified caller identity.
func (h *Handler) MountDecisionRoutes(r chi.Router) {
	r.Post("/permissions/check", h.check)
	r.Get("/permissions/scope", h.permissionsForScope)
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/permissions/check-batch", h.checkBatch)
	})
}

type roleResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	IsSystemRole bool   `json:"isSystemRole"`
}

type roleRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type assignmentResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Role        roleRef   `json:"role"`
	ScopeType   string    `json:"scopeType"`
	ScopeID     *string   `json:"scopeId"`
	IsImmutable bool      `json:"isImmutable"`
	CreatedAt   time.Time `json:"createdAt"`
	CreatedBy   string    `json:"createdBy"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleResponse{
			ID:           role.ID.String(),
			Name:         role.Name,
			Description:  role.Description,
			IsSystemRole: role.System,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	var filter AssignmentFilter
	if raw := strings.TrimSpace(r.URL.Query().Get("userId")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "userId must be a UUID")
			return
		}
		filter.UserID = &id
	}
	filter.RoleName = strings.TrimSpace(r.URL.Query().Get("roleName"))
	if raw := strings.TrimSpace(r.URL.Query().Get("scopeType")); raw != "" {
		kind := ScopeKind(raw)
		if !kind.Valid() {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "unknown scopeType "+raw)
			return
		}
		filter.ScopeKind = kind
	}

	assignments, err := h.store.ListAssignments(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	roles, err := h.store.RolesByIDs(r.Context(), assignmentRoleIDs(assignments))
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]assignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, toAssignmentResponse(a, roles[a.RoleID]))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type createAssignmentRequest struct {
	UserID    string  `json:"userId" validate:"required,uuid"`
	RoleName  string  `json:"roleName" validate:"required"`
	ScopeType string  `json:"scopeType" validate:"required"`
	ScopeID   *string `json:"scopeId" validate:"omitempty,uuid"`
}

func (h *Handler) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "userId must be a UUID")
		return
	}
	var scopeID *uuid.UUID
	if req.ScopeID != nil {
		id, err := uuid.Parse(*req.ScopeID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "scopeId must be a UUID")
			return
		}
		scopeID = &id
	}

	var createdBy uuid.UUID
	if p := shared.PrincipalFromContext(r.Context()); p != nil {
		createdBy = p.UserID
	}

	created, err := h.lifecycle.Assign(r.Context(), AssignInput{
		UserID:    userID,
		RoleName:  req.RoleName,
		ScopeKind: ScopeKind(req.ScopeType),
		ScopeID:   scopeID,
		CreatedBy: createdBy,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	role, err := h.store.RolesByIDs(r.Context(), []uuid.UUID{created.RoleID})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAssignmentResponse(created, role[created.RoleID]))
}

type updateAssignmentRequest struct {
	RoleName string `json:"roleName" validate:"required"`
}

func (h *Handler) updateAssignment(w http.ResponseWriter, r *http.Request) {
	assignmentID, err := uuid.Parse(chi.URLParam(r, "assignmentID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "assignment id must be a UUID")
		return
	}
	var req updateAssignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	updated, err := h.lifecycle.UpdateRole(r.Context(), assignmentID, req.RoleName)
	if err != nil {
		h.respondError(w, err)
		return
	}
	role, err := h.store.RolesByIDs(r.Context(), []uuid.UUID{updated.RoleID})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(updated, role[updated.RoleID]))
}

func (h *Handler) deleteAssignment(w http.ResponseWriter, r *http.Request) {
	assignmentID, err := uuid.Parse(chi.URLParam(r, "assignmentID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "assignment id must be a UUID")
		return
	}
	if err := h.lifecycle.Remove(r.Context(), assignmentID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkRequest struct {
	Permission string  `json:"permission" validate:"required"`
	ScopeType  string  `json:"scopeType" validate:"required"`
	ScopeID    *string `json:"scopeId" validate:"omitempty,uuid"`
}

type checkResponse struct {
	HasPermission bool `json:"hasPermission"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "caller identity required")
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var scopeID uuid.UUID
	if req.ScopeID != nil {
		scopeID, _ = uuid.Parse(*req.ScopeID)
	}

	start := time.Now()
	allowed, err := h.service.CanAccess(r.Context(), principal.UserID, Action(req.Permission), ScopeKind(req.ScopeType), scopeID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.observeDecision(req.ScopeType, allowed, time.Since(start))
	httpx.JSON(w, http.StatusOK, checkResponse{HasPermission: allowed})
}

type batchCheckEntry struct {
	Action       string `json:"action" validate:"required"`
	ResourceType string `json:"resourceType" validate:"required"`
	ResourceID   string `json:"resourceId" validate:"required,uuid"`
}

type batchCheckRequest struct {
	Checks []batchCheckEntry `json:"checks" validate:"required,min=1,dive"`
}

type batchCheckResult struct {
	Action       string `json:"action"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Allowed      bool   `json:"allowed"`
}

type batchCheckResponse struct {
	Results []batchCheckResult `json:"results"`
}

func (h *Handler) checkBatch(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "caller identity required")
		return
	}
	var req batchCheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if len(req.Checks) > MaxBatchChecks {
		httpx.Problem(w, http.StatusBadRequest, "Too Many Checks", "a batch may contain at most 100 checks")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	checks := make([]AccessCheck, len(req.Checks))
	for i, entry := range req.Checks {
		id, _ := uuid.Parse(entry.ResourceID)
		checks[i] = AccessCheck{
			Action:    Action(entry.Action),
			ScopeKind: ScopeKind(entry.ResourceType),
			ScopeID:   id,
		}
	}

	start := time.Now()
	allowed, err := h.service.BatchCanAccess(r.Context(), principal.UserID, checks)
	if err != nil {
		h.respondError(w, err)
		return
	}
	elapsed := time.Since(start)

	results := make([]batchCheckResult, len(req.Checks))
	for i, entry := range req.Checks {
		results[i] = batchCheckResult{
			Action:       entry.Action,
			ResourceType: entry.ResourceType,
			ResourceID:   entry.ResourceID,
			Allowed:      allowed[i],
		}
		h.observeDecision(entry.ResourceType, allowed[i], elapsed/time.Duration(len(req.Checks)))
	}
	httpx.JSON(w, http.StatusOK, batchCheckResponse{Results: results})
}

type scopePermissionsResponse struct {
	Permissions []string `json:"permissions"`
}

func (h *Handler) permissionsForScope(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "caller identity required")
		return
	}
	kind := ScopeKind(strings.TrimSpace(r.URL.Query().Get("scopeType")))
	scopeID, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("scopeId")))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "scopeId must be a UUID")
		return
	}
	perms, err := h.service.PermissionsForScope(r.Context(), principal.UserID, kind, scopeID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, string(p.Action))
	}
	httpx.JSON(w, http.StatusOK, scopePermissionsResponse{Permissions: names})
}

// respondError maps the lifecycle error taxonomy to problem responses.
// Details carry the offending entity and id; unknown errors stay opaque.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrRoleNotFound),
		errors.Is(err, ErrResourceNotFound),
		errors.Is(err, ErrAssignmentNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidScope), errors.Is(err, ErrImmutableAssignment):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, ErrDuplicateAssignment):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("authz handler", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) observeDecision(kind string, allowed bool, elapsed time.Duration) {
	if h.metrics != nil {
		h.metrics.ObserveDecision(kind, allowed, elapsed)
	}
}

func toAssignmentResponse(a Assignment, role Role) assignmentResponse {
	var scopeID *string
	if a.ScopeID != nil {
		s := a.ScopeID.String()
		scopeID = &s
	}
	return assignmentResponse{
		ID:          a.ID.String(),
		UserID:      a.UserID.String(),
		Role:        roleRef{ID: role.ID.String(), Name: role.Name},
		ScopeType:   string(a.ScopeKind),
		ScopeID:     scopeID,
		IsImmutable: a.Immutable,
		CreatedAt:   a.CreatedAt,
		CreatedBy:   a.CreatedBy.String(),
	}
}
