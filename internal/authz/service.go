package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/agrinova/agrinova/internal/shared"
)

// RepositoryPort describes the persistence operations used by Service.
type RepositoryPort interface {
	InsertRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) error
	InsertPermission(ctx context.Context, perm Permission) (Permission, error)
	InsertFeature(ctx context.Context, feature Feature) (Feature, error)
	UpdateFeature(ctx context.Context, feature Feature) error
	UpsertRolePermission(ctx context.Context, rp RolePermission) error
	DeleteRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error
	UpsertRoleFeature(ctx context.Context, rf RoleFeature) error
	DeleteRoleFeature(ctx context.Context, roleID, featureID uuid.UUID) error
	InsertUserFeature(ctx context.Context, uf UserFeature) (UserFeature, error)
	GetUserFeature(ctx context.Context, id uuid.UUID) (UserFeature, error)
	ExpireUserFeature(ctx context.Context, id uuid.UUID, now time.Time) error
	ListUserFeatures(ctx context.Context, userID uuid.UUID) ([]UserFeature, error)
}

// CachePort invalidates materialized feature sets after writes.
type CachePort interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
	InvalidateAll(ctx context.Context) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service handles administrator mutations of the catalogue and override
// tables. Every write refreshes the catalogue snapshot or invalidates the
// affected feature sets before returning, so a subsequent check sees the
// new state.
type Service struct {
	repo    RepositoryPort
	catalog *Catalog
	cache   CachePort
	audit   AuditPort
	now     func() time.Time
	title   cases.Caser
}

// NewService constructs the admin service.
func NewService(repo RepositoryPort, catalog *Catalog, cache CachePort, audit AuditPort) *Service {
	return &Service{
		repo:    repo,
		catalog: catalog,
		cache:   cache,
		audit:   audit,
		now:     time.Now,
		title:   cases.Title(language.English),
	}
}

// Snapshot exposes the current catalogue view for read handlers.
func (s *Service) Snapshot() *Snapshot {
	return s.catalog.Snapshot()
}

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	Name        string
	DisplayName string
	Level       int
	ParentRole  string
}

// CreateRole registers a role at the given hierarchy level. The display name
// defaults to a title-cased rendering of the machine name.
func (s *Service) CreateRole(ctx context.Context, actor uuid.UUID, in CreateRoleInput) (Role, error) {
	name := strings.ToUpper(strings.TrimSpace(in.Name))
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", ErrValidation)
	}
	if in.Level < 1 {
		return Role{}, fmt.Errorf("%w: level must be >= 1", ErrValidation)
	}
	snap := s.catalog.Snapshot()
	if _, err := snap.RoleByName(name); err == nil {
		return Role{}, fmt.Errorf("%w: role %s already exists", ErrValidation, name)
	}
	role := Role{
		ID:          uuid.New(),
		Name:        name,
		DisplayName: in.DisplayName,
		Level:       in.Level,
		IsActive:    true,
	}
	if role.DisplayName == "" {
		role.DisplayName = s.title.String(strings.ReplaceAll(strings.ToLower(name), "_", " "))
	}
	if in.ParentRole != "" {
		parent, err := snap.RoleByName(in.ParentRole)
		if err != nil {
			return Role{}, err
		}
		if parent.Level >= in.Level {
			return Role{}, fmt.Errorf("%w: parent role must outrank the new role", ErrValidation)
		}
		role.ParentRoleID = &parent.ID
	}
	created, err := s.repo.InsertRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, actor, "authz.role.create", "role", created.ID.String(), map[string]any{"name": created.Name, "level": created.Level})
	return created, s.refreshCatalog(ctx)
}

// UpdateRoleInput carries mutable role fields. Nil pointers leave the field
// unchanged.
type UpdateRoleInput struct {
	DisplayName *string
	Level       *int
	ParentRole  *string
}

// UpdateRole applies field changes to a role. Structural changes to system
// roles are rejected.
func (s *Service) UpdateRole(ctx context.Context, actor uuid.UUID, name string, in UpdateRoleInput) (Role, error) {
	snap := s.catalog.Snapshot()
	role, err := snap.RoleByName(name)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem && (in.Level != nil || in.ParentRole != nil) {
		return Role{}, ErrSystemEntity
	}
	if in.DisplayName != nil {
		role.DisplayName = *in.DisplayName
	}
	if in.Level != nil {
		if *in.Level < 1 {
			return Role{}, fmt.Errorf("%w: level must be >= 1", ErrValidation)
		}
		role.Level = *in.Level
	}
	if in.ParentRole != nil {
		if *in.ParentRole == "" {
			role.ParentRoleID = nil
		} else {
			parent, err := snap.RoleByName(*in.ParentRole)
			if err != nil {
				return Role{}, err
			}
			if parent.ID == role.ID || parent.Level >= role.Level {
				return Role{}, fmt.Errorf("%w: parent role must outrank the role", ErrValidation)
			}
			role.ParentRoleID = &parent.ID
		}
	}
	if err := s.repo.UpdateRole(ctx, role); err != nil {
		return Role{}, err
	}
	s.record(ctx, actor, "authz.role.update", "role", role.ID.String(), map[string]any{"name": role.Name})
	return role, s.refreshCatalog(ctx)
}

// DeactivateRole removes the role from the active hierarchy. System roles
// cannot be deactivated.
func (s *Service) DeactivateRole(ctx context.Context, actor uuid.UUID, name string) error {
	role, err := s.catalog.Snapshot().RoleByName(name)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemEntity
	}
	role.IsActive = false
	if err := s.repo.UpdateRole(ctx, role); err != nil {
		return err
	}
	s.record(ctx, actor, "authz.role.deactivate", "role", role.ID.String(), map[string]any{"name": role.Name})
	return s.refreshCatalog(ctx)
}

// CreatePermissionInput describes a new permission.
type CreatePermissionInput struct {
	Resource string
	Action   string
}

// CreatePermission registers a (resource, action) capability. The permission
// name is always resource.action.
func (s *Service) CreatePermission(ctx context.Context, actor uuid.UUID, in CreatePermissionInput) (Permission, error) {
	resource := strings.ToLower(strings.TrimSpace(in.Resource))
	action := strings.ToLower(strings.TrimSpace(in.Action))
	if resource == "" || action == "" {
		return Permission{}, fmt.Errorf("%w: resource and action required", ErrValidation)
	}
	perm := Permission{
		ID:       uuid.New(),
		Name:     resource + "." + action,
		Resource: resource,
		Action:   action,
		IsActive: true,
	}
	if _, err := s.catalog.Snapshot().PermissionByName(perm.Name); err == nil {
		return Permission{}, fmt.Errorf("%w: permission %s already exists", ErrValidation, perm.Name)
	}
	created, err := s.repo.InsertPermission(ctx, perm)
	if err != nil {
		return Permission{}, err
	}
	s.record(ctx, actor, "authz.permission.create", "permission", created.ID.String(), map[string]any{"name": created.Name})
	return created, s.refreshCatalog(ctx)
}

// CreateFeatureInput describes a new feature node.
type CreateFeatureInput struct {
	Name        string
	DisplayName string
	Module      string
	Parent      string
	Metadata    FeatureMetadata
}

// CreateFeature registers a feature, optionally beneath a parent.
func (s *Service) CreateFeature(ctx context.Context, actor uuid.UUID, in CreateFeatureInput) (Feature, error) {
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if name == "" {
		return Feature{}, fmt.Errorf("%w: feature name required", ErrValidation)
	}
	snap := s.catalog.Snapshot()
	if _, err := snap.FeatureByName(name); err == nil {
		return Feature{}, fmt.Errorf("%w: feature %s already exists", ErrValidation, name)
	}
	feature := Feature{
		ID:          uuid.New(),
		Name:        name,
		DisplayName: in.DisplayName,
		Module:      in.Module,
		IsActive:    true,
		Metadata:    in.Metadata,
	}
	if feature.DisplayName == "" {
		feature.DisplayName = s.title.String(strings.ReplaceAll(name, ".", " "))
	}
	if in.Parent != "" {
		parent, err := snap.FeatureByName(in.Parent)
		if err != nil {
			return Feature{}, err
		}
		feature.ParentID = &parent.ID
	}
	created, err := s.repo.InsertFeature(ctx, feature)
	if err != nil {
		return Feature{}, err
	}
	s.record(ctx, actor, "authz.feature.create", "feature", created.ID.String(), map[string]any{"name": created.Name})
	return created, s.refreshCatalog(ctx)
}

// UpdateFeatureInput carries mutable feature fields.
type UpdateFeatureInput struct {
	DisplayName *string
	Module      *string
	Parent      *string
	Metadata    *FeatureMetadata
}

// UpdateFeature applies field changes. Re-parenting that would introduce a
// cycle is rejected.
func (s *Service) UpdateFeature(ctx context.Context, actor uuid.UUID, name string, in UpdateFeatureInput) (Feature, error) {
	snap := s.catalog.Snapshot()
	feature, err := snap.FeatureByName(name)
	if err != nil {
		return Feature{}, err
	}
	if in.DisplayName != nil {
		feature.DisplayName = *in.DisplayName
	}
	if in.Module != nil {
		feature.Module = *in.Module
	}
	if in.Metadata != nil {
		feature.Metadata = *in.Metadata
	}
	if in.Parent != nil {
		if *in.Parent == "" {
			feature.ParentID = nil
		} else {
			parent, err := snap.FeatureByName(*in.Parent)
			if err != nil {
				return Feature{}, err
			}
			if parent.ID == feature.ID {
				return Feature{}, fmt.Errorf("%w: feature cannot parent itself", ErrValidation)
			}
			for _, descendant := range snap.featureWithDescendants(feature.ID) {
				if descendant == parent.ID {
					return Feature{}, fmt.Errorf("%w: re-parenting would create a cycle", ErrValidation)
				}
			}
			feature.ParentID = &parent.ID
		}
	}
	if err := s.repo.UpdateFeature(ctx, feature); err != nil {
		return Feature{}, err
	}
	s.record(ctx, actor, "authz.feature.update", "feature", feature.ID.String(), map[string]any{"name": feature.Name})
	return feature, s.refreshCatalog(ctx)
}

// DeactivateFeature disables the feature and, through grantability checks,
// its whole subtree. System features cannot be deactivated.
func (s *Service) DeactivateFeature(ctx context.Context, actor uuid.UUID, name string) error {
	feature, err := s.catalog.Snapshot().FeatureByName(name)
	if err != nil {
		return err
	}
	if feature.IsSystem {
		return ErrSystemEntity
	}
	feature.IsActive = false
	if err := s.repo.UpdateFeature(ctx, feature); err != nil {
		return err
	}
	s.record(ctx, actor, "authz.feature.deactivate", "feature", feature.ID.String(), map[string]any{"name": feature.Name})
	return s.refreshCatalog(ctx)
}

// BindRolePermissionInput describes a role-permission binding.
type BindRolePermissionInput struct {
	Role       string
	Permission string
	IsDenied   bool
	ExpiresAt  *time.Time
}

// BindRolePermission attaches or supersedes a permission binding on a role.
func (s *Service) BindRolePermission(ctx context.Context, actor uuid.UUID, in BindRolePermissionInput) error {
	snap := s.catalog.Snapshot()
	role, err := snap.RoleByName(in.Role)
	if err != nil {
		return err
	}
	perm, err := snap.PermissionByName(in.Permission)
	if err != nil {
		return err
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	}
	rp := RolePermission{
		ID:           uuid.New(),
		RoleID:       role.ID,
		PermissionID: perm.ID,
		IsDenied:     in.IsDenied,
		ExpiresAt:    in.ExpiresAt,
		GrantedBy:    actor,
	}
	if err := s.repo.UpsertRolePermission(ctx, rp); err != nil {
		return err
	}
	s.record(ctx, actor, "authz.role_permission.bind", "role", role.ID.String(), map[string]any{"permission": perm.Name, "denied": in.IsDenied})
	if err := s.refreshCatalog(ctx); err != nil {
		return err
	}
	return s.cache.InvalidateAll(ctx)
}

// UnbindRolePermission removes a permission binding from a role.
func (s *Service) UnbindRolePermission(ctx context.Context, actor uuid.UUID, roleName, permName string) error {
	snap := s.catalog.Snapshot()
	role, err := snap.RoleByName(roleName)
	if err != nil {
		return err
	}
	perm, err := snap.PermissionByName(permName)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRolePermission(ctx, role.ID, perm.ID); err != nil {
		return err
	}
	s.record(ctx, actor, "authz.role_permission.unbind", "role", role.ID.String(), map[string]any{"permission": perm.Name})
	if err := s.refreshCatalog(ctx); err != nil {
		return err
	}
	return s.cache.InvalidateAll(ctx)
}

// BindRoleFeatureInput describes a role-feature binding.
type BindRoleFeatureInput struct {
	Role      string
	Feature   string
	IsDenied  bool
	ExpiresAt *time.Time
}

// BindRoleFeature attaches or supersedes a feature binding on a role. A
// grant requires the feature and all of its ancestors to be active; a deny
// may target anything in the catalogue.
func (s *Service) BindRoleFeature(ctx context.Context, actor uuid.UUID, in BindRoleFeatureInput) error {
	snap := s.catalog.Snapshot()
	role, err := snap.RoleByName(in.Role)
	if err != nil {
		return err
	}
	feature, err := snap.FeatureByName(in.Feature)
	if err != nil {
		return err
	}
	if !in.IsDenied && !snap.FeatureGrantable(feature.ID) {
		return fmt.Errorf("%w: feature %s is not grantable", ErrValidation, feature.Name)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	}
	rf := RoleFeature{
		ID:        uuid.New(),
		RoleID:    role.ID,
		FeatureID: feature.ID,
		IsDenied:  in.IsDenied,
		ExpiresAt: in.ExpiresAt,
		GrantedBy: actor,
	}
	if err := s.repo.UpsertRoleFeature(ctx, rf); err != nil {
		return err
	}
	s.record(ctx, actor, "authz.role_feature.bind", "role", role.ID.String(), map[string]any{"feature": feature.Name, "denied": in.IsDenied})
	if err := s.refreshCatalog(ctx); err != nil {
		return err
	}
	return s.cache.InvalidateAll(ctx)
}

// UnbindRoleFeature removes a feature binding from a role.
func (s *Service) UnbindRoleFeature(ctx context.Context, actor uuid.UUID, roleName, featureName string) error {
	snap := s.catalog.Snapshot()
	role, err := snap.RoleByName(roleName)
	if err != nil {
		return err
	}
	feature, err := snap.FeatureByName(featureName)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRoleFeature(ctx, role.ID, feature.ID); err != nil {
		return err
	}
	s.record(ctx, actor, "authz.role_feature.unbind", "role", role.ID.String(), map[string]any{"feature": feature.Name})
	if err := s.refreshCatalog(ctx); err != nil {
		return err
	}
	return s.cache.InvalidateAll(ctx)
}

// UserOverrideInput describes a user-level grant or deny.
type UserOverrideInput struct {
	UserID        uuid.UUID
	Feature       string
	IsGranted     bool
	Scope         *Scope
	EffectiveFrom *time.Time
	ExpiresAt     *time.Time
	Reason        string
}

// CreateUserOverride records a grant or deny override for one user. An
// active opposite-direction override for the same (user, feature, scope) is
// a conflict: the existing record must be revoked first.
func (s *Service) CreateUserOverride(ctx context.Context, actor uuid.UUID, in UserOverrideInput) (UserFeature, error) {
	snap := s.catalog.Snapshot()
	feature, err := snap.FeatureByName(in.Feature)
	if err != nil {
		return UserFeature{}, err
	}
	if in.IsGranted && !snap.FeatureGrantable(feature.ID) {
		return UserFeature{}, fmt.Errorf("%w: feature %s is not grantable", ErrValidation, feature.Name)
	}
	if in.Scope != nil {
		if !ValidScopeType(in.Scope.Type) || in.Scope.ID == "" {
			return UserFeature{}, fmt.Errorf("%w: invalid scope", ErrValidation)
		}
	}
	if in.EffectiveFrom != nil && in.ExpiresAt != nil && !in.EffectiveFrom.Before(*in.ExpiresAt) {
		return UserFeature{}, fmt.Errorf("%w: effective_from must precede expires_at", ErrValidation)
	}
	now := s.now()
	existing, err := s.repo.ListUserFeatures(ctx, in.UserID)
	if err != nil {
		return UserFeature{}, err
	}
	for _, uf := range existing {
		if uf.FeatureID != feature.ID || !uf.ActiveAt(now) || uf.IsGranted == in.IsGranted {
			continue
		}
		if sameScope(uf.Scope, in.Scope) {
			return UserFeature{}, ErrConflictingBinding
		}
	}
	uf := UserFeature{
		ID:            uuid.New(),
		UserID:        in.UserID,
		FeatureID:     feature.ID,
		IsGranted:     in.IsGranted,
		Scope:         in.Scope,
		EffectiveFrom: in.EffectiveFrom,
		ExpiresAt:     in.ExpiresAt,
		GrantedBy:     actor,
		Reason:        in.Reason,
	}
	created, err := s.repo.InsertUserFeature(ctx, uf)
	if err != nil {
		return UserFeature{}, err
	}
	action := "authz.user_feature.deny"
	if in.IsGranted {
		action = "authz.user_feature.grant"
	}
	s.record(ctx, actor, action, "user", in.UserID.String(), map[string]any{"feature": feature.Name, "scope": in.Scope})
	return created, s.cache.InvalidateUser(ctx, in.UserID)
}

// RevokeUserOverride ends an override by expiring it now. Revoking an
// already-expired override is a no-op.
func (s *Service) RevokeUserOverride(ctx context.Context, actor uuid.UUID, id uuid.UUID) error {
	uf, err := s.repo.GetUserFeature(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if uf.ExpiresAt != nil && !now.Before(*uf.ExpiresAt) {
		return nil
	}
	if err := s.repo.ExpireUserFeature(ctx, id, now); err != nil {
		return err
	}
	s.record(ctx, actor, "authz.user_feature.revoke", "user", uf.UserID.String(), map[string]any{"override_id": id.String()})
	return s.cache.InvalidateUser(ctx, uf.UserID)
}

// ListUserOverrides returns the full override history for a user.
func (s *Service) ListUserOverrides(ctx context.Context, userID uuid.UUID) ([]UserFeature, error) {
	return s.repo.ListUserFeatures(ctx, userID)
}

func (s *Service) refreshCatalog(ctx context.Context) error {
	return s.catalog.Refresh(ctx)
}

func (s *Service) record(ctx context.Context, actor uuid.UUID, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
}

func sameScope(a, b *Scope) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Type == b.Type && a.ID == b.ID
}
