package authz

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/agrinova/agrinova/internal/platform/httpx"
	"github.com/agrinova/agrinova/internal/shared"
)

// CheckObserver records the outcome of authorization decisions.
type CheckObserver interface {
	ObserveCheck(allowed bool, reason string)
}

// Handler exposes the authorization API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	resolver  *Resolver
	cache     *FeatureSetCache
	validator *validator.Validate
	observer  CheckObserver
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resolver *Resolver, cache *FeatureSetCache) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		resolver:  resolver,
		cache:     cache,
		validator: validator.New(),
	}
}

// SetObserver attaches a decision recorder. Nil disables observation.
func (h *Handler) SetObserver(observer CheckObserver) {
	h.observer = observer
}

func (h *Handler) observe(allowed bool, reason string) {
	if h.observer != nil {
		h.observer.ObserveCheck(allowed, reason)
	}
}

// MountRoutes registers the authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.checkFeature)
	r.Post("/check-batch", h.checkFeaturesBatch)

	r.Get("/roles", h.listRoles)
	r.Post("/roles", h.createRole)
	r.Get("/roles/tree", h.hierarchyTree)
	r.Get("/roles/relationship", h.roleRelationship)
	r.Get("/roles/at-level/{level}", h.rolesAtLevel)
	r.Get("/roles/range", h.rolesInLevelRange)
	r.Patch("/roles/{name}", h.updateRole)
	r.Delete("/roles/{name}", h.deactivateRole)
	r.Get("/roles/{name}/above", h.rolesAbove)
	r.Get("/roles/{name}/below", h.rolesBelow)
	r.Get("/roles/{name}/subordinates", h.subordinateRoles)
	r.Get("/roles/{name}/superiors", h.superiorRoles)
	r.Get("/roles/{name}/permissions", h.directPermissions)
	r.Get("/roles/{name}/effective-permissions", h.effectivePermissions)

	r.Post("/permissions", h.createPermission)
	r.Post("/features", h.createFeature)
	r.Patch("/features/{name}", h.updateFeature)
	r.Delete("/features/{name}", h.deactivateFeature)

	r.Post("/role-permissions", h.bindRolePermission)
	r.Delete("/role-permissions", h.unbindRolePermission)
	r.Post("/role-features", h.bindRoleFeature)
	r.Delete("/role-features", h.unbindRoleFeature)

	r.Get("/users/{userID}/features", h.userFeatureSet)
	r.Get("/users/{userID}/overrides", h.listUserOverrides)
	r.Post("/users/{userID}/overrides", h.createUserOverride)
	r.Delete("/overrides/{id}", h.revokeUserOverride)
}

type checkRequest struct {
	UserID  string `json:"user_id" validate:"required,uuid"`
	Role    string `json:"role" validate:"required"`
	Feature string `json:"feature" validate:"required"`
	Scope   *Scope `json:"scope,omitempty"`
}

func (h *Handler) checkFeature(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision, err := h.resolver.CheckFeature(r.Context(), uuid.MustParse(req.UserID), req.Role, req.Feature, req.Scope)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.observe(decision.HasAccess, decision.Reason)
	httpx.JSON(w, http.StatusOK, decision)
}

type checkBatchRequest struct {
	UserID     string   `json:"user_id" validate:"required,uuid"`
	Role       string   `json:"role" validate:"required"`
	Features   []string `json:"features" validate:"required,min=1"`
	RequireAll bool     `json:"require_all"`
	Scope      *Scope   `json:"scope,omitempty"`
}

func (h *Handler) checkFeaturesBatch(w http.ResponseWriter, r *http.Request) {
	var req checkBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision, err := h.resolver.CheckFeaturesBatch(r.Context(), uuid.MustParse(req.UserID), req.Role, req.Features, req.RequireAll, req.Scope)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.observe(decision.HasAccess, "batch")
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": h.service.Snapshot().Roles()})
}

func (h *Handler) hierarchyTree(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"tree": h.service.Snapshot().HierarchyTree()})
}

func (h *Handler) rolesAbove(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.Snapshot().RolesAbove(chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) rolesBelow(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.Snapshot().RolesBelow(chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) subordinateRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.Snapshot().SubordinateRoles(chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) superiorRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.Snapshot().SuperiorRoles(chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) rolesAtLevel(w http.ResponseWriter, r *http.Request) {
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "level must be an integer")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": h.service.Snapshot().RolesAtLevel(level)})
}

func (h *Handler) rolesInLevelRange(w http.ResponseWriter, r *http.Request) {
	lo, err := strconv.Atoi(r.URL.Query().Get("min"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "min must be an integer")
		return
	}
	hi, err := strconv.Atoi(r.URL.Query().Get("max"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "max must be an integer")
		return
	}
	roles, err := h.service.Snapshot().RolesInLevelRange(lo, hi)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) roleRelationship(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	target := r.URL.Query().Get("target")
	if source == "" || target == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "source and target roles required")
		return
	}
	rel, err := h.service.Snapshot().RoleRelationship(source, target)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rel)
}

func (h *Handler) directPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.Snapshot().DirectPermissions(chi.URLParam(r, "name"), time.Now())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.Snapshot().EffectivePermissions(chi.URLParam(r, "name"), time.Now())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required"`
	DisplayName string `json:"display_name"`
	Level       int    `json:"level" validate:"required,min=1"`
	ParentRole  string `json:"parent_role"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), h.actor(r), CreateRoleInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Level:       req.Level,
		ParentRole:  req.ParentRole,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

type updateRoleRequest struct {
	DisplayName *string `json:"display_name"`
	Level       *int    `json:"level"`
	ParentRole  *string `json:"parent_role"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), h.actor(r), chi.URLParam(r, "name"), UpdateRoleInput{
		DisplayName: req.DisplayName,
		Level:       req.Level,
		ParentRole:  req.ParentRole,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deactivateRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeactivateRole(r.Context(), h.actor(r), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPermissionRequest struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), h.actor(r), CreatePermissionInput{Resource: req.Resource, Action: req.Action})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

type createFeatureRequest struct {
	Name        string          `json:"name" validate:"required"`
	DisplayName string          `json:"display_name"`
	Module      string          `json:"module" validate:"required"`
	Parent      string          `json:"parent"`
	Metadata    FeatureMetadata `json:"metadata"`
}

func (h *Handler) createFeature(w http.ResponseWriter, r *http.Request) {
	var req createFeatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	feature, err := h.service.CreateFeature(r.Context(), h.actor(r), CreateFeatureInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Module:      req.Module,
		Parent:      req.Parent,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, feature)
}

type updateFeatureRequest struct {
	DisplayName *string          `json:"display_name"`
	Module      *string          `json:"module"`
	Parent      *string          `json:"parent"`
	Metadata    *FeatureMetadata `json:"metadata"`
}

func (h *Handler) updateFeature(w http.ResponseWriter, r *http.Request) {
	var req updateFeatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	feature, err := h.service.UpdateFeature(r.Context(), h.actor(r), chi.URLParam(r, "name"), UpdateFeatureInput{
		DisplayName: req.DisplayName,
		Module:      req.Module,
		Parent:      req.Parent,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, feature)
}

func (h *Handler) deactivateFeature(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeactivateFeature(r.Context(), h.actor(r), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bindRolePermissionRequest struct {
	Role       string     `json:"role" validate:"required"`
	Permission string     `json:"permission" validate:"required"`
	IsDenied   bool       `json:"is_denied"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (h *Handler) bindRolePermission(w http.ResponseWriter, r *http.Request) {
	var req bindRolePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.BindRolePermission(r.Context(), h.actor(r), BindRolePermissionInput{
		Role:       req.Role,
		Permission: req.Permission,
		IsDenied:   req.IsDenied,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unbindRolePermission(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	perm := r.URL.Query().Get("permission")
	if role == "" || perm == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role and permission required")
		return
	}
	if err := h.service.UnbindRolePermission(r.Context(), h.actor(r), role, perm); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bindRoleFeatureRequest struct {
	Role      string     `json:"role" validate:"required"`
	Feature   string     `json:"feature" validate:"required"`
	IsDenied  bool       `json:"is_denied"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) bindRoleFeature(w http.ResponseWriter, r *http.Request) {
	var req bindRoleFeatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.BindRoleFeature(r.Context(), h.actor(r), BindRoleFeatureInput{
		Role:      req.Role,
		Feature:   req.Feature,
		IsDenied:  req.IsDenied,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unbindRoleFeature(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	feature := r.URL.Query().Get("feature")
	if role == "" || feature == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role and feature required")
		return
	}
	if err := h.service.UnbindRoleFeature(r.Context(), h.actor(r), role, feature); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userFeatureSet(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	role := r.URL.Query().Get("role")
	if role == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role query parameter required")
		return
	}
	set, err := h.cache.Get(r.Context(), userID, role)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, set)
}

func (h *Handler) listUserOverrides(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	overrides, err := h.service.ListUserOverrides(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

type createOverrideRequest struct {
	Feature       string     `json:"feature" validate:"required"`
	IsGranted     *bool      `json:"is_granted" validate:"required"`
	Scope         *Scope     `json:"scope,omitempty"`
	EffectiveFrom *time.Time `json:"effective_from"`
	ExpiresAt     *time.Time `json:"expires_at"`
	Reason        string     `json:"reason" validate:"required"`
}

func (h *Handler) createUserOverride(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	var req createOverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.service.CreateUserOverride(r.Context(), h.actor(r), UserOverrideInput{
		UserID:        userID,
		Feature:       req.Feature,
		IsGranted:     *req.IsGranted,
		Scope:         req.Scope,
		EffectiveFrom: req.EffectiveFrom,
		ExpiresAt:     req.ExpiresAt,
		Reason:        req.Reason,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) revokeUserOverride(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid override id")
		return
	}
	if err := h.service.RevokeUserOverride(r.Context(), h.actor(r), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) actor(r *http.Request) uuid.UUID {
	if ident := shared.IdentityFromContext(r.Context()); ident != nil {
		return ident.UserID
	}
	return uuid.Nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case isNotFound(err):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case isValidation(err):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case isConflict(err):
		httpx.Problem(w, http.StatusConflict, "Conflicting Binding", err.Error())
	case isForbidden(err):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		h.logger.Error("authz request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
