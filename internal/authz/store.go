package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides PostgreSQL backed persistence for the authorization model.
// It is the single owner of assignment data: services re-read through it on
// every call instead of caching decision state in process.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const uniqueViolation = "23505"

// EnsurePermission inserts the permission if its (action, scope_kind)
// natural key is absent and reports whether a row was created.
func (s *Store) EnsurePermission(ctx context.Context, action Action, kind ScopeKind) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO authz_permissions (id, action, scope_kind)
		VALUES (gen_random_uuid(), $1, $2)
		ON CONFLICT (action, scope_kind) DO NOTHING
		RETURNING id`, string(action), string(kind)).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, err
	}
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM authz_permissions WHERE action = $1 AND scope_kind = $2`,
		string(action), string(kind)).Scan(&id)
	return id, false, err
}

// EnsureRole inserts the role if its name is absent and reports whether a
// row was created.
func (s *Store) EnsureRole(ctx context.Context, name, description string, system bool) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO authz_roles (id, name, description, is_system, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, NOW(), NOW())
		ON CONFLICT (name) DO NOTHING
		RETURNING id`, name, description, system).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, err
	}
	err = s.pool.QueryRow(ctx, `SELECT id FROM authz_roles WHERE name = $1`, name).Scan(&id)
	return id, false, err
}

// EnsureRolePermission attaches the permission to the role if the edge is
// absent and reports whether a row was created.
func (s *Store) EnsureRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO authz_role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListRoles returns all roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, is_system, created_at, updated_at
		FROM authz_roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RoleByName fetches a role by its unique name.
func (s *Store) RoleByName(ctx context.Context, name string) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, is_system, created_at, updated_at
		FROM authz_roles WHERE name = $1`, name).
		Scan(&role.ID, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, err
}

// RoleByID fetches a role by primary key.
func (s *Store) RoleByID(ctx context.Context, id uuid.UUID) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, is_system, created_at, updated_at
		FROM authz_roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	return role, err
}

// RolesByIDs fetches several roles in one query, keyed by id.
func (s *Store) RolesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Role, error) {
	byID := make(map[uuid.UUID]Role, len(ids))
	if len(ids) == 0 {
		return byID, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, is_system, created_at, updated_at
		FROM authz_roles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		byID[role.ID] = role
	}
	return byID, rows.Err()
}

// RolePermissions returns the permission set of a single role.
func (s *Store) RolePermissions(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	byRole, err := s.RolePermissionsByIDs(ctx, []uuid.UUID{roleID})
	if err != nil {
		return nil, err
	}
	return byRole[roleID], nil
}

// RolePermissionsByIDs returns the permission sets of several roles in one
// query, keyed by role id.
func (s *Store) RolePermissionsByIDs(ctx context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]Permission, error) {
	byRole := make(map[uuid.UUID][]Permission, len(roleIDs))
	if len(roleIDs) == 0 {
		return byRole, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT rp.role_id, p.id, p.action, p.scope_kind
		FROM authz_role_permissions rp
		JOIN authz_permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1)
		ORDER BY p.scope_kind, p.action`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var roleID uuid.UUID
		var perm Permission
		var action, kind string
		if err := rows.Scan(&roleID, &perm.ID, &action, &kind); err != nil {
			return nil, err
		}
		perm.Action = Action(action)
		perm.ScopeKind = ScopeKind(kind)
		byRole[roleID] = append(byRole[roleID], perm)
	}
	return byRole, rows.Err()
}

const assignmentColumns = `id, user_id, role_id, scope_kind, scope_id, is_immutable, created_by, created_at`

// AssignmentsForUser returns every assignment held by the user. The batch
// decision path fetches once and filters in memory.
func (s *Store) AssignmentsForUser(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM authz_assignments WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// ScopedAssignments returns the user's assignments at one exact scope.
// scopeID must be nil iff kind is Global.
func (s *Store) ScopedAssignments(ctx context.Context, userID uuid.UUID, kind ScopeKind, scopeID *uuid.UUID) ([]Assignment, error) {
	var rows pgx.Rows
	var err error
	if scopeID == nil {
		rows, err = s.pool.Query(ctx, `
			SELECT `+assignmentColumns+`
			FROM authz_assignments
			WHERE user_id = $1 AND scope_kind = $2 AND scope_id IS NULL`,
			userID, string(kind))
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+assignmentColumns+`
			FROM authz_assignments
			WHERE user_id = $1 AND scope_kind = $2 AND scope_id = $3`,
			userID, string(kind), *scopeID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// GetAssignment fetches a single assignment by primary key.
func (s *Store) GetAssignment(ctx context.Context, id uuid.UUID) (Assignment, error) {
	var a Assignment
	var kind string
	err := s.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM authz_assignments WHERE id = $1`, id).
		Scan(&a.ID, &a.UserID, &a.RoleID, &kind, &a.ScopeID, &a.Immutable, &a.CreatedBy, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	if err != nil {
		return Assignment{}, err
	}
	a.ScopeKind = ScopeKind(kind)
	return a, nil
}

// ListAssignments returns assignments matching the filter, newest first.
func (s *Store) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]Assignment, error) {
	query := `
		SELECT a.id, a.user_id, a.role_id, a.scope_kind, a.scope_id, a.is_immutable, a.created_by, a.created_at
		FROM authz_assignments a
		JOIN authz_roles r ON r.id = a.role_id
		WHERE ($1::uuid IS NULL OR a.user_id = $1)
		  AND ($2 = '' OR r.name = $2)
		  AND ($3 = '' OR a.scope_kind = $3)
		ORDER BY a.created_at DESC, a.id`
	rows, err := s.pool.Query(ctx, query, filter.UserID, filter.RoleName, string(filter.ScopeKind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// CreateAssignment persists a new assignment. A unique-index conflict on
// (user, role, scope kind, scope id) maps to ErrDuplicateAssignment so the
// loser of a concurrent race gets a terminal 409 rather than corrupt state.
func (s *Store) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO authz_assignments (id, user_id, role_id, scope_kind, scope_id, is_immutable, created_by, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, created_at`,
		a.UserID, a.RoleID, string(a.ScopeKind), a.ScopeID, a.Immutable, a.CreatedBy).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Assignment{}, ErrDuplicateAssignment
		}
		return Assignment{}, err
	}
	return a, nil
}

// UpdateAssignmentRole changes the role pointer of an assignment. User and
// scope columns are never updated.
func (s *Store) UpdateAssignmentRole(ctx context.Context, id, roleID uuid.UUID) (Assignment, error) {
	var a Assignment
	var kind string
	err := s.pool.QueryRow(ctx, `
		UPDATE authz_assignments SET role_id = $2
		WHERE id = $1
		RETURNING `+assignmentColumns, id, roleID).
		Scan(&a.ID, &a.UserID, &a.RoleID, &kind, &a.ScopeID, &a.Immutable, &a.CreatedBy, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Assignment{}, ErrDuplicateAssignment
		}
		return Assignment{}, err
	}
	a.ScopeKind = ScopeKind(kind)
	return a, nil
}

// DeleteAssignment removes an assignment by primary key.
func (s *Store) DeleteAssignment(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM authz_assignments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	return nil
}

// ListOrphanedAssignments returns mutable scoped assignments whose scope
// resource no longer exists. Immutable assignments are excluded: they anchor
// a user's starter project and must survive regardless.
func (s *Store) ListOrphanedAssignments(ctx context.Context) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM authz_assignments a
		WHERE a.is_immutable = FALSE
		  AND (
			(a.scope_kind = 'project' AND NOT EXISTS (SELECT 1 FROM projects p WHERE p.id = a.scope_id))
			OR
			(a.scope_kind = 'flow' AND NOT EXISTS (SELECT 1 FROM flows f WHERE f.id = a.scope_id))
		  )`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssignments(rows)
}

func scanAssignments(rows pgx.Rows) ([]Assignment, error) {
	var list []Assignment
	for rows.Next() {
		var a Assignment
		var kind string
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &kind, &a.ScopeID, &a.Immutable, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ScopeKind = ScopeKind(kind)
		list = append(list, a)
	}
	return list, rows.Err()
}
