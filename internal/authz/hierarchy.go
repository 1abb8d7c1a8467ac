package authz

// Hierarchy queries over the level-indexed role catalogue. All operations
// take role names as external keys and resolve them to levels internally;
// an unknown name fails with ErrRoleNotFound.

// RolesAbove returns every role with more authority (lower level) than the
// named role, ascending by level.
func (s *Snapshot) RolesAbove(name string) ([]Role, error) {
	role, err := s.RoleByName(name)
	if err != nil {
		return nil, err
	}
	var out []Role
	for _, level := range s.levels {
		if level >= role.Level {
			break
		}
		out = append(out, s.rolesByLevel[level]...)
	}
	return out, nil
}

// RolesBelow returns every role with less authority (higher level) than the
// named role, ascending by level.
func (s *Snapshot) RolesBelow(name string) ([]Role, error) {
	role, err := s.RoleByName(name)
	if err != nil {
		return nil, err
	}
	var out []Role
	for _, level := range s.levels {
		if level <= role.Level {
			continue
		}
		out = append(out, s.rolesByLevel[level]...)
	}
	return out, nil
}

// SubordinateRoles returns the direct reports only: roles at exactly
// level + 1, not the whole subtree.
func (s *Snapshot) SubordinateRoles(name string) ([]Role, error) {
	role, err := s.RoleByName(name)
	if err != nil {
		return nil, err
	}
	return append([]Role(nil), s.rolesByLevel[role.Level+1]...), nil
}

// SuperiorRoles returns roles at exactly level - 1.
func (s *Snapshot) SuperiorRoles(name string) ([]Role, error) {
	role, err := s.RoleByName(name)
	if err != nil {
		return nil, err
	}
	return append([]Role(nil), s.rolesByLevel[role.Level-1]...), nil
}

// RolesAtLevel returns the (possibly empty) set of roles at one level.
// An unoccupied level is not an error.
func (s *Snapshot) RolesAtLevel(level int) []Role {
	return append([]Role(nil), s.rolesByLevel[level]...)
}

// RolesInLevelRange returns roles with lo <= level <= hi ascending by level.
// Fails with ErrInvalidLevelRange when lo > hi.
func (s *Snapshot) RolesInLevelRange(lo, hi int) ([]Role, error) {
	if lo > hi {
		return nil, ErrInvalidLevelRange
	}
	var out []Role
	for _, level := range s.levels {
		if level < lo || level > hi {
			continue
		}
		out = append(out, s.rolesByLevel[level]...)
	}
	return out, nil
}

// CanManage reports whether source strictly outranks target. Equal levels
// never manage each other, and a role never manages itself through this
// check.
func (s *Snapshot) CanManage(sourceName, targetName string) (bool, error) {
	source, err := s.RoleByName(sourceName)
	if err != nil {
		return false, err
	}
	target, err := s.RoleByName(targetName)
	if err != nil {
		return false, err
	}
	return source.Level < target.Level, nil
}

// RoleRelationship describes how source relates to target.
func (s *Snapshot) RoleRelationship(sourceName, targetName string) (RoleRelationship, error) {
	source, err := s.RoleByName(sourceName)
	if err != nil {
		return RoleRelationship{}, err
	}
	target, err := s.RoleByName(targetName)
	if err != nil {
		return RoleRelationship{}, err
	}
	diff := source.Level - target.Level
	rel := RoleRelationship{
		SourceRole:      sourceName,
		TargetRole:      targetName,
		LevelDifference: diff,
	}
	switch {
	case diff < 0:
		rel.Relationship = RelationshipSuperior
		rel.CanManage = true
	case diff > 0:
		rel.Relationship = RelationshipSubordinate
	default:
		rel.Relationship = RelationshipEqual
	}
	return rel, nil
}

// HierarchyTree renders the hierarchy rooted at the highest-authority roles.
// A role with an explicit ParentRoleID attaches to that parent; roles
// without one fall back to the historical rule of attaching every role at
// level+1 beneath each role at the level above, which reproduces the linear
// chain of the stock configuration.
func (s *Snapshot) HierarchyTree() []*HierarchyNode {
	if len(s.levels) == 0 {
		return []*HierarchyNode{}
	}
	roots := s.rolesByLevel[s.levels[0]]
	tree := make([]*HierarchyNode, len(roots))
	for i, role := range roots {
		tree[i] = s.buildHierarchyNode(role)
	}
	return tree
}

func (s *Snapshot) buildHierarchyNode(role Role) *HierarchyNode {
	node := &HierarchyNode{
		Role:        role,
		Permissions: s.directPermissionNames(role.ID),
		Children:    []*HierarchyNode{},
	}
	for _, child := range s.childRoles(role) {
		node.Children = append(node.Children, s.buildHierarchyNode(child))
	}
	return node
}

// childRoles selects the roles that hang beneath the given role in the tree.
func (s *Snapshot) childRoles(role Role) []Role {
	idx := -1
	for i, level := range s.levels {
		if level == role.Level {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(s.levels) {
		return nil
	}
	next := s.rolesByLevel[s.levels[idx+1]]
	explicit := false
	for _, candidate := range next {
		if candidate.ParentRoleID != nil {
			explicit = true
			break
		}
	}
	if !explicit {
		return next
	}
	var out []Role
	for _, candidate := range next {
		if candidate.ParentRoleID != nil && *candidate.ParentRoleID == role.ID {
			out = append(out, candidate)
		}
	}
	return out
}
