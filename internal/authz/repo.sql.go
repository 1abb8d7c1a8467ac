package authz

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrinova/agrinova/internal/platform/db"
)

// Repository persists the authorization catalogue and override tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadCatalog reads the full catalogue in one pass for snapshot building.
func (r *Repository) LoadCatalog(ctx context.Context) (CatalogData, error) {
	var data CatalogData
	var err error
	if data.Roles, err = r.listRoles(ctx); err != nil {
		return CatalogData{}, err
	}
	if data.Permissions, err = r.listPermissions(ctx); err != nil {
		return CatalogData{}, err
	}
	if data.Features, err = r.listFeatures(ctx); err != nil {
		return CatalogData{}, err
	}
	if data.RolePermissions, err = r.listRolePermissions(ctx); err != nil {
		return CatalogData{}, err
	}
	if data.RoleFeatures, err = r.listRoleFeatures(ctx); err != nil {
		return CatalogData{}, err
	}
	return data, nil
}

func (r *Repository) listRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, display_name, level, parent_role_id, is_active, is_system, created_at, updated_at FROM roles ORDER BY level, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		err := rows.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Level, &role.ParentRoleID, &role.IsActive, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *Repository) listPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, resource, action, is_active, created_at FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *Repository) listFeatures(ctx context.Context) ([]Feature, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, display_name, module, parent_id, is_active, is_system, metadata, created_at, updated_at FROM features ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var features []Feature
	for rows.Next() {
		var f Feature
		var metadata []byte
		err := rows.Scan(&f.ID, &f.Name, &f.DisplayName, &f.Module, &f.ParentID, &f.IsActive, &f.IsSystem, &metadata, &f.CreatedAt, &f.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &f.Metadata); err != nil {
				return nil, err
			}
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

func (r *Repository) listRolePermissions(ctx context.Context) ([]RolePermission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, role_id, permission_id, is_denied, inherited_from_role_id, expires_at, granted_by, granted_at FROM role_permissions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bindings []RolePermission
	for rows.Next() {
		var rp RolePermission
		err := rows.Scan(&rp.ID, &rp.RoleID, &rp.PermissionID, &rp.IsDenied, &rp.InheritedFromRoleID, &rp.ExpiresAt, &rp.GrantedBy, &rp.GrantedAt)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, rp)
	}
	return bindings, rows.Err()
}

func (r *Repository) listRoleFeatures(ctx context.Context) ([]RoleFeature, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, role_id, feature_id, is_denied, inherited_from_role_id, expires_at, granted_by, granted_at FROM role_features`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bindings []RoleFeature
	for rows.Next() {
		var rf RoleFeature
		err := rows.Scan(&rf.ID, &rf.RoleID, &rf.FeatureID, &rf.IsDenied, &rf.InheritedFromRoleID, &rf.ExpiresAt, &rf.GrantedBy, &rf.GrantedAt)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, rf)
	}
	return bindings, rows.Err()
}

// ListUserFeatures returns every override row for the user, active or not.
// Validity is evaluated by the resolver, not filtered here, so revoked rows
// stay visible for audit listings.
func (r *Repository) ListUserFeatures(ctx context.Context, userID uuid.UUID) ([]UserFeature, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, feature_id, is_granted, scope_type, scope_id, effective_from, expires_at, granted_by, granted_at, reason
FROM user_features WHERE user_id=$1 ORDER BY granted_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overrides []UserFeature
	for rows.Next() {
		var uf UserFeature
		var scopeType, scopeID *string
		err := rows.Scan(&uf.ID, &uf.UserID, &uf.FeatureID, &uf.IsGranted, &scopeType, &scopeID, &uf.EffectiveFrom, &uf.ExpiresAt, &uf.GrantedBy, &uf.GrantedAt, &uf.Reason)
		if err != nil {
			return nil, err
		}
		if scopeType != nil && scopeID != nil {
			uf.Scope = &Scope{Type: ScopeType(*scopeType), ID: *scopeID}
		}
		overrides = append(overrides, uf)
	}
	return overrides, rows.Err()
}

// InsertRole persists a new role.
func (r *Repository) InsertRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO roles (id, name, display_name, level, parent_role_id, is_active, is_system)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING created_at, updated_at`,
		role.ID, role.Name, role.DisplayName, role.Level, role.ParentRoleID, role.IsActive, role.IsSystem)
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, mapConstraint(err)
	}
	return role, nil
}

// UpdateRole applies mutable role fields.
func (r *Repository) UpdateRole(ctx context.Context, role Role) error {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET display_name=$2, level=$3, parent_role_id=$4, is_active=$5, updated_at=now() WHERE id=$1`,
		role.ID, role.DisplayName, role.Level, role.ParentRoleID, role.IsActive)
	if err != nil {
		return mapConstraint(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

// InsertPermission persists a new permission.
func (r *Repository) InsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO permissions (id, name, resource, action, is_active)
VALUES ($1,$2,$3,$4,$5) RETURNING created_at`, perm.ID, perm.Name, perm.Resource, perm.Action, perm.IsActive)
	if err := row.Scan(&perm.CreatedAt); err != nil {
		return Permission{}, mapConstraint(err)
	}
	return perm, nil
}

// InsertFeature persists a new feature node.
func (r *Repository) InsertFeature(ctx context.Context, feature Feature) (Feature, error) {
	metadata, err := json.Marshal(feature.Metadata)
	if err != nil {
		return Feature{}, err
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO features (id, name, display_name, module, parent_id, is_active, is_system, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at, updated_at`,
		feature.ID, feature.Name, feature.DisplayName, feature.Module, feature.ParentID, feature.IsActive, feature.IsSystem, metadata)
	if err := row.Scan(&feature.CreatedAt, &feature.UpdatedAt); err != nil {
		return Feature{}, mapConstraint(err)
	}
	return feature, nil
}

// UpdateFeature applies mutable feature fields.
func (r *Repository) UpdateFeature(ctx context.Context, feature Feature) error {
	metadata, err := json.Marshal(feature.Metadata)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE features SET display_name=$2, module=$3, parent_id=$4, is_active=$5, metadata=$6, updated_at=now() WHERE id=$1`,
		feature.ID, feature.DisplayName, feature.Module, feature.ParentID, feature.IsActive, metadata)
	if err != nil {
		return mapConstraint(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFeatureNotFound
	}
	return nil
}

// UpsertRolePermission enforces at most one active binding per pair: an
// existing row for (role, permission) is superseded in place.
func (r *Repository) UpsertRolePermission(ctx context.Context, rp RolePermission) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO role_permissions (id, role_id, permission_id, is_denied, inherited_from_role_id, expires_at, granted_by)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (role_id, permission_id) DO UPDATE SET is_denied=EXCLUDED.is_denied, inherited_from_role_id=EXCLUDED.inherited_from_role_id, expires_at=EXCLUDED.expires_at, granted_by=EXCLUDED.granted_by, granted_at=now()`,
		rp.ID, rp.RoleID, rp.PermissionID, rp.IsDenied, rp.InheritedFromRoleID, rp.ExpiresAt, rp.GrantedBy)
	return mapConstraint(err)
}

// DeleteRolePermission removes a binding.
func (r *Repository) DeleteRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id=$1 AND permission_id=$2`, roleID, permissionID)
	return err
}

// UpsertRoleFeature mirrors UpsertRolePermission for the feature table.
func (r *Repository) UpsertRoleFeature(ctx context.Context, rf RoleFeature) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO role_features (id, role_id, feature_id, is_denied, inherited_from_role_id, expires_at, granted_by)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (role_id, feature_id) DO UPDATE SET is_denied=EXCLUDED.is_denied, inherited_from_role_id=EXCLUDED.inherited_from_role_id, expires_at=EXCLUDED.expires_at, granted_by=EXCLUDED.granted_by, granted_at=now()`,
		rf.ID, rf.RoleID, rf.FeatureID, rf.IsDenied, rf.InheritedFromRoleID, rf.ExpiresAt, rf.GrantedBy)
	return mapConstraint(err)
}

// DeleteRoleFeature removes a binding.
func (r *Repository) DeleteRoleFeature(ctx context.Context, roleID, featureID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM role_features WHERE role_id=$1 AND feature_id=$2`, roleID, featureID)
	return err
}

// InsertUserFeature persists an override row. The partial unique index on
// active (user, feature, scope) rows rejects a second simultaneous grant or
// deny for the same subject.
func (r *Repository) InsertUserFeature(ctx context.Context, uf UserFeature) (UserFeature, error) {
	var scopeType, scopeID *string
	if uf.Scope != nil {
		t := string(uf.Scope.Type)
		scopeType, scopeID = &t, &uf.Scope.ID
	}
	// The insert runs in a transaction holding a per-user advisory lock so
	// two concurrent writes cannot both pass the conflict re-check.
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, uf.UserID); err != nil {
			return err
		}
		var conflicting bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(
SELECT 1 FROM user_features
WHERE user_id=$1 AND feature_id=$2 AND is_granted <> $3
AND COALESCE(scope_type,'')=COALESCE($4,'') AND COALESCE(scope_id,'')=COALESCE($5,'')
AND (expires_at IS NULL OR expires_at > now()))`,
			uf.UserID, uf.FeatureID, uf.IsGranted, scopeType, scopeID).Scan(&conflicting); err != nil {
			return err
		}
		if conflicting {
			return ErrConflictingBinding
		}
		row := tx.QueryRow(ctx, `INSERT INTO user_features (id, user_id, feature_id, is_granted, scope_type, scope_id, effective_from, expires_at, granted_by, reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING granted_at`,
			uf.ID, uf.UserID, uf.FeatureID, uf.IsGranted, scopeType, scopeID, uf.EffectiveFrom, uf.ExpiresAt, uf.GrantedBy, uf.Reason)
		return row.Scan(&uf.GrantedAt)
	})
	if err != nil {
		return UserFeature{}, mapConstraint(err)
	}
	return uf, nil
}

// ExpireUserFeature ends an override by moving its expiry to now. Rows that
// are already expired are untouched, which keeps revocation idempotent.
func (r *Repository) ExpireUserFeature(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE user_features SET expires_at=$2 WHERE id=$1 AND (expires_at IS NULL OR expires_at > $2)`, id, now)
	return err
}

// DeleteExpiredUserFeatures removes override rows whose expiry passed before
// the cutoff. Used by the retention sweep, not by request paths.
func (r *Repository) DeleteExpiredUserFeatures(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_features WHERE expires_at IS NOT NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// WarmupTarget pairs a user with their current role for cache pre-warming.
type WarmupTarget struct {
	UserID uuid.UUID
	Role   string
}

// ListRecentUsers returns active users with override activity since the
// cutoff, used to pre-warm feature set caches.
func (r *Repository) ListRecentUsers(ctx context.Context, since time.Time, limit int) ([]WarmupTarget, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT uf.user_id, ro.name
FROM user_features uf
JOIN users u ON u.id = uf.user_id
JOIN roles ro ON ro.id = u.role_id
WHERE uf.granted_at >= $1 AND u.is_active
LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var targets []WarmupTarget
	for rows.Next() {
		var t WarmupTarget
		if err := rows.Scan(&t.UserID, &t.Role); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// GetUserFeature fetches one override row by id.
func (r *Repository) GetUserFeature(ctx context.Context, id uuid.UUID) (UserFeature, error) {
	var uf UserFeature
	var scopeType, scopeID *string
	err := r.pool.QueryRow(ctx, `SELECT id, user_id, feature_id, is_granted, scope_type, scope_id, effective_from, expires_at, granted_by, granted_at, reason
FROM user_features WHERE id=$1`, id).
		Scan(&uf.ID, &uf.UserID, &uf.FeatureID, &uf.IsGranted, &scopeType, &scopeID, &uf.EffectiveFrom, &uf.ExpiresAt, &uf.GrantedBy, &uf.GrantedAt, &uf.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserFeature{}, ErrFeatureNotFound
	}
	if err != nil {
		return UserFeature{}, err
	}
	if scopeType != nil && scopeID != nil {
		uf.Scope = &Scope{Type: ScopeType(*scopeType), ID: *scopeID}
	}
	return uf, nil
}

// mapConstraint translates unique-violation errors from the binding tables
// into the domain conflict error.
func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "user_features") || strings.Contains(pgErr.ConstraintName, "role_features") || strings.Contains(pgErr.ConstraintName, "role_permissions") {
			return ErrConflictingBinding
		}
	}
	return err
}
