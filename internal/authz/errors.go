package authz

import "errors"

var (
	// ErrRoleNotFound indicates an unknown role name was passed to a
	// hierarchy or permission operation.
	ErrRoleNotFound = errors.New("authz: role not found")
	// ErrPermissionNotFound indicates an unknown permission name.
	ErrPermissionNotFound = errors.New("authz: permission not found")
	// ErrFeatureNotFound indicates an unknown feature name.
	ErrFeatureNotFound = errors.New("authz: feature not found")
	// ErrInvalidLevelRange indicates a level range query with lo > hi.
	ErrInvalidLevelRange = errors.New("authz: invalid level range")
	// ErrConflictingBinding indicates an attempt to hold a grant and a deny
	// for the same subject, feature and scope at the same time.
	ErrConflictingBinding = errors.New("authz: conflicting binding")
	// ErrSystemEntity indicates an attempt to modify or delete a protected
	// system role or feature.
	ErrSystemEntity = errors.New("authz: system entity is protected")
	// ErrValidation indicates a rejected catalogue mutation. Writes are
	// rejected synchronously; the caller must resubmit corrected input.
	ErrValidation = errors.New("authz: validation failed")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrRoleNotFound) || errors.Is(err, ErrPermissionNotFound) || errors.Is(err, ErrFeatureNotFound)
}

func isValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidLevelRange)
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflictingBinding)
}

func isForbidden(err error) bool {
	return errors.Is(err, ErrSystemEntity)
}
