package authz

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// defaultFeatureSetTTL bounds how long a materialized UserFeatureSet may be
// served before it must be recomputed.
const defaultFeatureSetTTL = 5 * time.Minute

// UserFeatureSource supplies the per-user override rows for resolution.
type UserFeatureSource interface {
	ListUserFeatures(ctx context.Context, userID uuid.UUID) ([]UserFeature, error)
}

// Resolver answers feature checks against the current catalogue snapshot
// plus a user's override rows. Every decision is a pure function of the
// snapshot, the overrides, and the supplied instant, so concurrent callers
// need no locking.
type Resolver struct {
	catalog   *Catalog
	overrides UserFeatureSource
	now       func() time.Time
	ttl       time.Duration
}

// NewResolver wires a resolver over the catalogue and an override source.
func NewResolver(catalog *Catalog, overrides UserFeatureSource) *Resolver {
	return &Resolver{
		catalog:   catalog,
		overrides: overrides,
		now:       time.Now,
		ttl:       defaultFeatureSetTTL,
	}
}

// SetTTL overrides the lifetime applied to materialized feature sets.
// Non-positive values keep the default.
func (r *Resolver) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		r.ttl = ttl
	}
}

// CheckFeature resolves a single feature decision for the identity at the
// current instant.
func (r *Resolver) CheckFeature(ctx context.Context, userID uuid.UUID, roleName, featureName string, scope *Scope) (Decision, error) {
	return r.CheckFeatureAt(ctx, userID, roleName, featureName, scope, r.now())
}

// CheckFeatureAt is CheckFeature with an explicit evaluation instant.
func (r *Resolver) CheckFeatureAt(ctx context.Context, userID uuid.UUID, roleName, featureName string, scope *Scope, now time.Time) (Decision, error) {
	overrides, err := r.overrides.ListUserFeatures(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return r.catalog.Snapshot().CheckFeature(overrides, roleName, featureName, scope, now)
}

// CheckFeaturesBatch resolves several features in one call. RequireAll true
// demands every feature resolve to allow; false is satisfied by any one.
// Granted and denied names partition the request either way.
func (r *Resolver) CheckFeaturesBatch(ctx context.Context, userID uuid.UUID, roleName string, features []string, requireAll bool, scope *Scope) (BatchDecision, error) {
	overrides, err := r.overrides.ListUserFeatures(ctx, userID)
	if err != nil {
		return BatchDecision{}, err
	}
	snap := r.catalog.Snapshot()
	now := r.now()

	out := BatchDecision{
		GrantedFeatures: []string{},
		DeniedFeatures:  []string{},
	}
	for _, name := range features {
		decision, err := snap.CheckFeature(overrides, roleName, name, scope, now)
		if err != nil {
			return BatchDecision{}, err
		}
		if decision.HasAccess {
			out.GrantedFeatures = append(out.GrantedFeatures, name)
		} else {
			out.DeniedFeatures = append(out.DeniedFeatures, name)
		}
	}
	if requireAll {
		out.HasAccess = len(out.DeniedFeatures) == 0 && len(features) > 0
	} else {
		out.HasAccess = len(out.GrantedFeatures) > 0
	}
	return out, nil
}

// BuildUserFeatureSet materializes the identity's full capability snapshot.
func (r *Resolver) BuildUserFeatureSet(ctx context.Context, userID uuid.UUID, roleName string) (*UserFeatureSet, error) {
	overrides, err := r.overrides.ListUserFeatures(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.catalog.Snapshot().BuildUserFeatureSet(userID, roleName, overrides, r.now(), r.ttl)
}

// CheckFeature resolves a single decision. Resolution order, each step
// short-circuiting: user deny, user grant, role deny (role or any superior),
// role grant, then default deny. A role-level binding on an ancestor feature
// covers the whole subtree beneath it; user overrides are exact-feature only.
func (s *Snapshot) CheckFeature(overrides []UserFeature, roleName, featureName string, scope *Scope, now time.Time) (Decision, error) {
	role, err := s.RoleByName(roleName)
	if err != nil {
		return Decision{}, err
	}
	feature, err := s.FeatureByName(featureName)
	if err != nil {
		return Decision{}, err
	}

	var grant *UserFeature
	for i := range overrides {
		uf := overrides[i]
		if uf.FeatureID != feature.ID || !uf.ActiveAt(now) || !uf.MatchesScope(scope) {
			continue
		}
		if !uf.IsGranted {
			return Decision{HasAccess: false, Reason: ReasonUserDenied}, nil
		}
		if grant == nil {
			grant = &overrides[i]
		}
	}
	if grant != nil && s.FeatureGrantable(feature.ID) {
		return Decision{HasAccess: true, Reason: ReasonUserGranted}, nil
	}

	lineage := s.featureLineage(feature.ID)
	roleIDs := s.roleAndSuperiors(role)

	granted := false
	for _, id := range roleIDs {
		for _, rf := range s.roleFeatures[id] {
			if !rf.ActiveAt(now) {
				continue
			}
			if _, ok := lineage[rf.FeatureID]; !ok {
				continue
			}
			if rf.IsDenied {
				return Decision{HasAccess: false, Reason: ReasonRoleDenied}, nil
			}
			granted = true
		}
	}
	if granted && s.FeatureGrantable(feature.ID) {
		return Decision{HasAccess: true, Reason: ReasonRoleGranted}, nil
	}
	return Decision{HasAccess: false, Reason: ReasonNoGrant}, nil
}

// BuildUserFeatureSet composes role defaults and user overrides into a flat,
// globally scoped feature set. Scoped overrides do not alter the global map;
// they are carried alongside so callers can evaluate them per resource.
func (s *Snapshot) BuildUserFeatureSet(userID uuid.UUID, roleName string, overrides []UserFeature, now time.Time, ttl time.Duration) (*UserFeatureSet, error) {
	role, err := s.RoleByName(roleName)
	if err != nil {
		return nil, err
	}

	granted := make(map[uuid.UUID]struct{})
	denied := make(map[uuid.UUID]struct{})
	for _, id := range s.roleAndSuperiors(role) {
		for _, rf := range s.roleFeatures[id] {
			if !rf.ActiveAt(now) {
				continue
			}
			for _, fid := range s.featureWithDescendants(rf.FeatureID) {
				if rf.IsDenied {
					denied[fid] = struct{}{}
				} else {
					granted[fid] = struct{}{}
				}
			}
		}
	}

	scoped := []ScopedFeature{}
	for _, uf := range overrides {
		if !uf.ActiveAt(now) {
			continue
		}
		feature, ok := s.featuresByID[uf.FeatureID]
		if !ok {
			continue
		}
		if uf.Scope != nil {
			scoped = append(scoped, ScopedFeature{
				Feature:   feature.Name,
				IsGranted: uf.IsGranted,
				Scope:     uf.Scope,
				ExpiresAt: uf.ExpiresAt,
			})
			continue
		}
		if uf.IsGranted {
			granted[uf.FeatureID] = struct{}{}
			delete(denied, uf.FeatureID)
		} else {
			denied[uf.FeatureID] = struct{}{}
		}
	}

	names := make([]string, 0, len(granted))
	featureMap := make(map[string]bool, len(granted))
	for fid := range granted {
		if _, ok := denied[fid]; ok {
			continue
		}
		if !s.FeatureGrantable(fid) {
			continue
		}
		feature := s.featuresByID[fid]
		names = append(names, feature.Name)
		featureMap[feature.Name] = true
		for _, ancestor := range s.featureAncestors(fid) {
			featureMap[ancestor] = true
		}
	}
	sort.Strings(names)

	return &UserFeatureSet{
		UserID:         userID.String(),
		Role:           roleName,
		Features:       names,
		FeatureMap:     featureMap,
		ScopedFeatures: scoped,
		ComputedAt:     now,
		ExpiresAt:      now.Add(ttl),
	}, nil
}

// roleAndSuperiors collects the role's own id plus the ids of every role
// above it, most authoritative first.
func (s *Snapshot) roleAndSuperiors(role Role) []uuid.UUID {
	var out []uuid.UUID
	for _, level := range s.levels {
		if level > role.Level {
			break
		}
		if level == role.Level {
			out = append(out, role.ID)
			continue
		}
		for _, r := range s.rolesByLevel[level] {
			out = append(out, r.ID)
		}
	}
	return out
}

// featureLineage is the set of the feature's own id and every ancestor id.
// A binding on any member of the lineage covers the feature itself.
func (s *Snapshot) featureLineage(id uuid.UUID) map[uuid.UUID]struct{} {
	lineage := map[uuid.UUID]struct{}{id: {}}
	current := id
	for i := 0; i < len(s.featuresByID); i++ {
		feature, ok := s.featuresByID[current]
		if !ok || feature.ParentID == nil {
			break
		}
		if _, seen := lineage[*feature.ParentID]; seen {
			break
		}
		lineage[*feature.ParentID] = struct{}{}
		current = *feature.ParentID
	}
	return lineage
}
