package authz

import (
	"time"

	"github.com/google/uuid"
)

// Role represents a rung in the plantation management hierarchy.
// Lower Level means higher authority: SUPER_ADMIN sits at level 1,
// SATPAM at level 7.
type Role struct {
	ID           uuid.UUID
	Name         string
	DisplayName  string
	Level        int
	ParentRoleID *uuid.UUID
	IsActive     bool
	IsSystem     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Permission represents a coarse (resource, action) capability.
type Permission struct {
	ID        uuid.UUID
	Name      string
	Resource  string
	Action    string
	IsActive  bool
	CreatedAt time.Time
}

// RolePermission binds a permission to a role. A deny binding suppresses a
// grant for the same pair. InheritedFromRoleID marks bindings materialized
// from an ancestor role rather than granted directly.
type RolePermission struct {
	ID                  uuid.UUID
	RoleID              uuid.UUID
	PermissionID        uuid.UUID
	IsDenied            bool
	InheritedFromRoleID *uuid.UUID
	ExpiresAt           *time.Time
	GrantedBy           uuid.UUID
	GrantedAt           time.Time
}

// ActiveAt reports whether the binding is within its validity window.
func (rp RolePermission) ActiveAt(now time.Time) bool {
	return rp.ExpiresAt == nil || now.Before(*rp.ExpiresAt)
}

// ScopeType enumerates the resource kinds a grant can be narrowed to.
type ScopeType string

const (
	ScopeCompany  ScopeType = "company"
	ScopeEstate   ScopeType = "estate"
	ScopeDivision ScopeType = "division"
	ScopeBlock    ScopeType = "block"
)

// ValidScopeType reports whether t is one of the known scope kinds.
func ValidScopeType(t ScopeType) bool {
	switch t {
	case ScopeCompany, ScopeEstate, ScopeDivision, ScopeBlock:
		return true
	}
	return false
}

// Scope narrows a grant or denial to one specific resource instance.
type Scope struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id"`
}

// FeatureMetadata carries optional descriptive configuration for a feature.
type FeatureMetadata struct {
	ResourceType  string         `json:"resource_type,omitempty"`
	Actions       []string       `json:"actions,omitempty"`
	RequiredScope ScopeType      `json:"required_scope,omitempty"`
	Conditions    map[string]any `json:"conditions,omitempty"`
}

// Feature is a node in the feature tree, finer grained than a permission.
// Names are dotted paths by convention ("harvest.records.approve"); the tree
// is expressed through ParentID, not through name parsing.
type Feature struct {
	ID          uuid.UUID
	Name        string
	DisplayName string
	Module      string
	ParentID    *uuid.UUID
	IsActive    bool
	IsSystem    bool
	Metadata    FeatureMetadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoleFeature binds a feature to a role, mirroring RolePermission in shape.
type RoleFeature struct {
	ID                  uuid.UUID
	RoleID              uuid.UUID
	FeatureID           uuid.UUID
	IsDenied            bool
	InheritedFromRoleID *uuid.UUID
	ExpiresAt           *time.Time
	GrantedBy           uuid.UUID
	GrantedAt           time.Time
}

// ActiveAt reports whether the binding is within its validity window.
func (rf RoleFeature) ActiveAt(now time.Time) bool {
	return rf.ExpiresAt == nil || now.Before(*rf.ExpiresAt)
}

// UserFeature is a per-user override. IsGranted true means grant, false means
// deny; a record is always one or the other. A nil Scope applies globally.
// Revocation is row deletion or an expiry in the past, never mutation of the
// grant flag, so history stays auditable.
type UserFeature struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	FeatureID     uuid.UUID
	IsGranted     bool
	Scope         *Scope
	EffectiveFrom *time.Time
	ExpiresAt     *time.Time
	GrantedBy     uuid.UUID
	GrantedAt     time.Time
	Reason        string
}

// ActiveAt reports whether the override is valid at the given instant.
// Missing bounds are treated as always valid.
func (uf UserFeature) ActiveAt(now time.Time) bool {
	if uf.EffectiveFrom != nil && now.Before(*uf.EffectiveFrom) {
		return false
	}
	if uf.ExpiresAt != nil && !now.Before(*uf.ExpiresAt) {
		return false
	}
	return true
}

// MatchesScope reports whether the override applies to the requested scope.
// A record without a scope is global and matches every request; a scoped
// record matches only the exact same (type, id) pair.
func (uf UserFeature) MatchesScope(req *Scope) bool {
	if uf.Scope == nil {
		return true
	}
	if req == nil {
		return false
	}
	return uf.Scope.Type == req.Type && uf.Scope.ID == req.ID
}

// Decision reasons returned by CheckFeature, highest priority first.
const (
	ReasonUserDenied  = "user_denied"
	ReasonUserGranted = "user_granted"
	ReasonRoleDenied  = "role_denied"
	ReasonRoleGranted = "role_granted"
	ReasonNoGrant     = "no_grant"
)

// Decision is the outcome of a single feature check.
type Decision struct {
	HasAccess bool   `json:"has_access"`
	Reason    string `json:"reason"`
}

// BatchDecision aggregates per-feature outcomes. GrantedFeatures and
// DeniedFeatures partition the requested names regardless of the aggregate
// boolean so callers can render partial UI.
type BatchDecision struct {
	HasAccess       bool     `json:"has_access"`
	GrantedFeatures []string `json:"granted_features"`
	DeniedFeatures  []string `json:"denied_features"`
}

// ScopedFeature is one user override inside a materialized feature set.
type ScopedFeature struct {
	Feature   string     `json:"feature"`
	IsGranted bool       `json:"is_granted"`
	Scope     *Scope     `json:"scope,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// UserFeatureSet is the fully resolved capability snapshot for one identity.
// It is a cache entity: safe to discard and recompute at any time, never the
// source of truth.
type UserFeatureSet struct {
	UserID         string          `json:"user_id"`
	Role           string          `json:"role"`
	Features       []string        `json:"features"`
	FeatureMap     map[string]bool `json:"feature_map"`
	ScopedFeatures []ScopedFeature `json:"scoped_features,omitempty"`
	ComputedAt     time.Time       `json:"computed_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// HasFeature reports membership in the resolved global feature set.
func (s *UserFeatureSet) HasFeature(name string) bool {
	return s != nil && s.FeatureMap[name]
}

// Expired reports whether the snapshot is past its own TTL.
func (s *UserFeatureSet) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// RoleRelationship describes how two roles relate in the hierarchy.
// LevelDifference is level(source) - level(target): negative means the
// source outranks the target.
type RoleRelationship struct {
	SourceRole      string `json:"source_role"`
	TargetRole      string `json:"target_role"`
	CanManage       bool   `json:"can_manage"`
	LevelDifference int    `json:"level_difference"`
	Relationship    string `json:"relationship"`
}

// Relationship values.
const (
	RelationshipSuperior    = "superior"
	RelationshipSubordinate = "subordinate"
	RelationshipEqual       = "equal"
)

// HierarchyNode is one role in the rendered hierarchy tree together with its
// directly bound permissions and the roles it manages.
type HierarchyNode struct {
	Role        Role             `json:"role"`
	Permissions []string         `json:"permissions"`
	Children    []*HierarchyNode `json:"children"`
}
