package authz

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// directPermissionNames lists the names of permissions bound directly to a
// role, denies excluded, ignoring time bounds. Used for tree rendering.
func (s *Snapshot) directPermissionNames(roleID uuid.UUID) []string {
	var out []string
	for _, rp := range s.rolePerms[roleID] {
		if rp.IsDenied {
			continue
		}
		if perm, ok := s.permsByID[rp.PermissionID]; ok {
			out = append(out, perm.Name)
		}
	}
	sort.Strings(out)
	return out
}

// DirectPermissions returns the permissions bound to the named role itself,
// active at the given instant, with deny bindings removed. Deny wins over a
// grant of the same permission.
func (s *Snapshot) DirectPermissions(name string, now time.Time) ([]Permission, error) {
	role, err := s.RoleByName(name)
	if err != nil {
		return nil, err
	}
	return s.resolveBindings(now, role.ID), nil
}

// EffectivePermissions returns the permissions a member of the named role
// holds through the hierarchy: the union of the role's own bindings and the
// bindings of every role above it, with any deny in that set removing the
// permission outright.
func (s *Snapshot) EffectivePermissions(name string, now time.Time) ([]Permission, error) {
	role, err := s.RoleByName(name)
	if err != nil {
		return nil, err
	}
	above, err := s.RolesAbove(name)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(above)+1)
	ids = append(ids, role.ID)
	for _, r := range above {
		ids = append(ids, r.ID)
	}
	return s.resolveBindings(now, ids...), nil
}

func (s *Snapshot) resolveBindings(now time.Time, roleIDs ...uuid.UUID) []Permission {
	granted := make(map[uuid.UUID]Permission)
	denied := make(map[uuid.UUID]struct{})
	for _, id := range roleIDs {
		for _, rp := range s.rolePerms[id] {
			if !rp.ActiveAt(now) {
				continue
			}
			if rp.IsDenied {
				denied[rp.PermissionID] = struct{}{}
				continue
			}
			if perm, ok := s.permsByID[rp.PermissionID]; ok {
				granted[rp.PermissionID] = perm
			}
		}
	}
	out := make([]Permission, 0, len(granted))
	for id, perm := range granted {
		if _, ok := denied[id]; ok {
			continue
		}
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
