package authz

import (
	"time"

	"github.com/google/uuid"
)

// The stock plantation hierarchy used across the package tests.
var fixtureRoleNames = []string{
	"SUPER_ADMIN",
	"COMPANY_ADMIN",
	"AREA_MANAGER",
	"MANAGER",
	"ASISTEN",
	"MANDOR",
	"SATPAM",
}

type fixture struct {
	data     CatalogData
	roles    map[string]Role
	perms    map[string]Permission
	features map[string]Feature
	actor    uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		roles:    make(map[string]Role),
		perms:    make(map[string]Permission),
		features: make(map[string]Feature),
		actor:    uuid.New(),
	}
	for i, name := range fixtureRoleNames {
		f.addRole(name, i+1)
	}
	return f
}

func (f *fixture) addRole(name string, level int) Role {
	role := Role{
		ID:       uuid.New(),
		Name:     name,
		Level:    level,
		IsActive: true,
	}
	f.roles[name] = role
	f.data.Roles = append(f.data.Roles, role)
	return role
}

func (f *fixture) addInactiveRole(name string, level int) Role {
	role := Role{ID: uuid.New(), Name: name, Level: level}
	f.data.Roles = append(f.data.Roles, role)
	return role
}

func (f *fixture) addPermission(name string) Permission {
	perm := Permission{ID: uuid.New(), Name: name, IsActive: true}
	f.perms[name] = perm
	f.data.Permissions = append(f.data.Permissions, perm)
	return perm
}

func (f *fixture) addFeature(name, parent string) Feature {
	feature := Feature{
		ID:       uuid.New(),
		Name:     name,
		IsActive: true,
	}
	if parent != "" {
		parentID := f.features[parent].ID
		feature.ParentID = &parentID
	}
	f.features[name] = feature
	f.data.Features = append(f.data.Features, feature)
	return feature
}

func (f *fixture) addInactiveFeature(name, parent string) Feature {
	feature := Feature{ID: uuid.New(), Name: name}
	if parent != "" {
		parentID := f.features[parent].ID
		feature.ParentID = &parentID
	}
	f.features[name] = feature
	f.data.Features = append(f.data.Features, feature)
	return feature
}

func (f *fixture) bindPermission(role, perm string, denied bool) {
	f.data.RolePermissions = append(f.data.RolePermissions, RolePermission{
		ID:           uuid.New(),
		RoleID:       f.roles[role].ID,
		PermissionID: f.perms[perm].ID,
		IsDenied:     denied,
		GrantedBy:    f.actor,
	})
}

func (f *fixture) bindFeature(role, feature string, denied bool) {
	f.data.RoleFeatures = append(f.data.RoleFeatures, RoleFeature{
		ID:        uuid.New(),
		RoleID:    f.roles[role].ID,
		FeatureID: f.features[feature].ID,
		IsDenied:  denied,
		GrantedBy: f.actor,
	})
}

func (f *fixture) snapshot() *Snapshot {
	return NewSnapshot(f.data)
}

func (f *fixture) override(userID uuid.UUID, feature string, granted bool, scope *Scope, from, until *time.Time) UserFeature {
	return UserFeature{
		ID:            uuid.New(),
		UserID:        userID,
		FeatureID:     f.features[feature].ID,
		IsGranted:     granted,
		Scope:         scope,
		EffectiveFrom: from,
		ExpiresAt:     until,
		GrantedBy:     f.actor,
		GrantedAt:     time.Now(),
	}
}

func roleNames(roles []Role) []string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return names
}

func timePtr(t time.Time) *time.Time {
	return &t
}
