package authz

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Loader supplies the raw catalogue rows a Snapshot is built from.
type Loader interface {
	LoadCatalog(ctx context.Context) (CatalogData, error)
}

// CatalogData is the flat result of one catalogue load.
type CatalogData struct {
	Roles           []Role
	Permissions     []Permission
	Features        []Feature
	RolePermissions []RolePermission
	RoleFeatures    []RoleFeature
}

// Snapshot is an immutable, indexed view of the authorization catalogue.
// The hierarchy is represented as a flat level-indexed list; ancestors and
// subordinates are derived by level comparison rather than parent pointers.
type Snapshot struct {
	rolesByName     map[string]Role
	rolesByID       map[uuid.UUID]Role
	rolesByLevel    map[int][]Role
	levels          []int
	permsByID       map[uuid.UUID]Permission
	permsByName     map[string]Permission
	featuresByID    map[uuid.UUID]Feature
	featuresByName  map[string]Feature
	featureChildren map[uuid.UUID][]uuid.UUID
	rolePerms       map[uuid.UUID][]RolePermission
	roleFeatures    map[uuid.UUID][]RoleFeature
}

// NewSnapshot indexes catalogue rows. Inactive roles are excluded from the
// hierarchy entirely; inactive features stay indexed so checks against them
// resolve to a deny rather than a lookup error.
func NewSnapshot(data CatalogData) *Snapshot {
	s := &Snapshot{
		rolesByName:     make(map[string]Role, len(data.Roles)),
		rolesByID:       make(map[uuid.UUID]Role, len(data.Roles)),
		rolesByLevel:    make(map[int][]Role),
		permsByID:       make(map[uuid.UUID]Permission, len(data.Permissions)),
		permsByName:     make(map[string]Permission, len(data.Permissions)),
		featuresByID:    make(map[uuid.UUID]Feature, len(data.Features)),
		featuresByName:  make(map[string]Feature, len(data.Features)),
		featureChildren: make(map[uuid.UUID][]uuid.UUID),
		rolePerms:       make(map[uuid.UUID][]RolePermission),
		roleFeatures:    make(map[uuid.UUID][]RoleFeature),
	}
	for _, role := range data.Roles {
		if !role.IsActive {
			continue
		}
		s.rolesByName[role.Name] = role
		s.rolesByID[role.ID] = role
		s.rolesByLevel[role.Level] = append(s.rolesByLevel[role.Level], role)
	}
	for level, roles := range s.rolesByLevel {
		sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
		s.levels = append(s.levels, level)
	}
	sort.Ints(s.levels)
	for _, perm := range data.Permissions {
		s.permsByID[perm.ID] = perm
		s.permsByName[perm.Name] = perm
	}
	for _, feature := range data.Features {
		s.featuresByID[feature.ID] = feature
		s.featuresByName[feature.Name] = feature
		if feature.ParentID != nil {
			s.featureChildren[*feature.ParentID] = append(s.featureChildren[*feature.ParentID], feature.ID)
		}
	}
	for _, rp := range data.RolePermissions {
		s.rolePerms[rp.RoleID] = append(s.rolePerms[rp.RoleID], rp)
	}
	for _, rf := range data.RoleFeatures {
		s.roleFeatures[rf.RoleID] = append(s.roleFeatures[rf.RoleID], rf)
	}
	return s
}

// RoleByName resolves a role by its external key.
func (s *Snapshot) RoleByName(name string) (Role, error) {
	role, ok := s.rolesByName[name]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

// FeatureByName resolves a feature by name, active or not.
func (s *Snapshot) FeatureByName(name string) (Feature, error) {
	feature, ok := s.featuresByName[name]
	if !ok {
		return Feature{}, ErrFeatureNotFound
	}
	return feature, nil
}

// PermissionByName resolves a permission by name.
func (s *Snapshot) PermissionByName(name string) (Permission, error) {
	perm, ok := s.permsByName[name]
	if !ok {
		return Permission{}, ErrPermissionNotFound
	}
	return perm, nil
}

// Roles returns every active role ascending by level, then name.
func (s *Snapshot) Roles() []Role {
	out := make([]Role, 0, len(s.rolesByName))
	for _, level := range s.levels {
		out = append(out, s.rolesByLevel[level]...)
	}
	return out
}

// FeatureGrantable reports whether a feature may currently be granted: it and
// every ancestor up the feature tree must be active. A child under an
// inactive parent is not grantable.
func (s *Snapshot) FeatureGrantable(id uuid.UUID) bool {
	seen := 0
	for {
		feature, ok := s.featuresByID[id]
		if !ok || !feature.IsActive {
			return false
		}
		if feature.ParentID == nil {
			return true
		}
		id = *feature.ParentID
		// Cycle guard; the service rejects cycles at write time.
		if seen++; seen > len(s.featuresByID) {
			return false
		}
	}
}

// featureWithDescendants returns the feature id and every grantable
// descendant, depth first.
func (s *Snapshot) featureWithDescendants(id uuid.UUID) []uuid.UUID {
	out := []uuid.UUID{id}
	for _, child := range s.featureChildren[id] {
		if feature, ok := s.featuresByID[child]; !ok || !feature.IsActive {
			continue
		}
		out = append(out, s.featureWithDescendants(child)...)
	}
	return out
}

// featureAncestors returns the names of every ancestor of the feature.
func (s *Snapshot) featureAncestors(id uuid.UUID) []string {
	var out []string
	feature, ok := s.featuresByID[id]
	for ok && feature.ParentID != nil {
		feature, ok = s.featuresByID[*feature.ParentID]
		if ok {
			out = append(out, feature.Name)
		}
	}
	return out
}

// Catalog hands out the current snapshot and refreshes it after writes.
// Reads are lock-free; Refresh swaps the snapshot atomically, and concurrent
// refreshes collapse into a single load.
type Catalog struct {
	loader  Loader
	current atomic.Pointer[Snapshot]
	group   singleflight.Group
}

// NewCatalog performs the initial load-on-start.
func NewCatalog(ctx context.Context, loader Loader) (*Catalog, error) {
	c := &Catalog{loader: loader}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Snapshot returns the current catalogue view.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Refresh reloads the catalogue from the backing store.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		data, err := c.loader.LoadCatalog(ctx)
		if err != nil {
			return nil, err
		}
		c.current.Store(NewSnapshot(data))
		return nil, nil
	})
	return err
}
