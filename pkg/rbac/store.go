package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/platinummonkey/taskward/pkg/database"
)

// Store defines the persistence operations the resolver needs
type Store interface {
	GetRoleByCode(ctx context.Context, code string) (*Role, error)
	GetPermissionByCode(ctx context.Context, code string) (*Permission, error)
	GetOrCreateRole(ctx context.Context, role *Role) (*Role, bool, error)
	GetOrCreatePermission(ctx context.Context, perm *Permission) (*Permission, bool, error)
	SetRoleParent(ctx context.Context, roleID int64, parentID *int64) error
	ListRoles(ctx context.Context) ([]*Role, error)

	// ParentIDs maps each of roleIDs that has a parent to that parent
	ParentIDs(ctx context.Context, roleIDs []int64) (map[int64]int64, error)
	// ChildRoleIDs returns roles whose parent is one of parentIDs
	ChildRoleIDs(ctx context.Context, parentIDs []int64) ([]int64, error)
	// PermissionCodes returns the codes attached directly to roleIDs
	PermissionCodes(ctx context.Context, roleIDs []int64) ([]string, error)
	// RoleIDsGranting returns roles holding code or the wildcard directly
	RoleIDsGranting(ctx context.Context, code string) ([]int64, error)

	// AssignedRoleIDs returns the roles a user holds globally or in scope
	AssignedRoleIDs(ctx context.Context, userID int64, scope Scope) ([]int64, error)
	// AssignmentScopes returns the distinct scopes where a user holds one of roleIDs
	AssignmentScopes(ctx context.Context, userID int64, roleIDs []int64) ([]Scope, error)
	// UserScopes returns every distinct scope a user has an assignment in
	UserScopes(ctx context.Context, userID int64) ([]Scope, error)
	// UserIDsWithRoles returns the distinct users holding any of roleIDs
	UserIDsWithRoles(ctx context.Context, roleIDs []int64) ([]int64, error)
	ListAssignments(ctx context.Context, userID int64) ([]*Assignment, error)
	CreateAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error)
	DeleteAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error)

	AddRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	RemoveRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error)

	// WithTx runs fn against a store bound to one transaction
	WithTx(ctx context.Context, fn func(Store) error) error
}

// SQLStore implements Store on database/sql with squirrel-built queries
type SQLStore struct {
	db      *sql.DB
	q       database.Querier
	dialect database.Dialect
	now     func() time.Time
}

// NewSQLStore creates a new rbac store
func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, q: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		// already inside a transaction
		return fn(s)
	}
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&SQLStore{q: tx, dialect: s.dialect, now: s.now})
	})
}

func (s *SQLStore) builder() sq.StatementBuilderType {
	return s.dialect.Builder()
}

func (s *SQLStore) selectRoles() sq.SelectBuilder {
	return s.builder().Select("id", "code", "name", "description", "parent_id", "created_at").From("rbac_roles")
}

func scanRole(row interface{ Scan(...interface{}) error }) (*Role, error) {
	var (
		r      Role
		parent sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Code, &r.Name, &r.Description, &parent, &r.CreatedAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		r.ParentID = &parent.Int64
	}
	return &r, nil
}

func (s *SQLStore) GetRoleByCode(ctx context.Context, code string) (*Role, error) {
	query, args, err := s.selectRoles().Where(sq.Eq{"code": code}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	r, err := scanRole(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role %s: %w", code, err)
	}
	return r, nil
}

func (s *SQLStore) GetPermissionByCode(ctx context.Context, code string) (*Permission, error) {
	query, args, err := s.builder().Select("id", "code", "name", "perm_group").
		From("rbac_permissions").Where(sq.Eq{"code": code}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var p Permission
	err = s.q.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.Code, &p.Name, &p.Group)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPermissionNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission %s: %w", code, err)
	}
	return &p, nil
}

// GetOrCreateRole returns the role with role.Code, inserting role when absent.
// An existing role is returned unchanged.
func (s *SQLStore) GetOrCreateRole(ctx context.Context, role *Role) (*Role, bool, error) {
	query, args, err := s.builder().Insert("rbac_roles").
		Columns("code", "name", "description", "parent_id", "created_at").
		Values(role.Code, role.Name, role.Description, role.ParentID, s.now().UTC()).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("failed to build insert: %w", err)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create role %s: %w", role.Code, err)
	}
	created, err := affected(res)
	if err != nil {
		return nil, false, err
	}
	r, err := s.GetRoleByCode(ctx, role.Code)
	return r, created, err
}

// GetOrCreatePermission returns the permission with perm.Code, inserting it when absent
func (s *SQLStore) GetOrCreatePermission(ctx context.Context, perm *Permission) (*Permission, bool, error) {
	query, args, err := s.builder().Insert("rbac_permissions").
		Columns("code", "name", "perm_group").
		Values(perm.Code, perm.Name, perm.Group).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("failed to build insert: %w", err)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create permission %s: %w", perm.Code, err)
	}
	created, err := affected(res)
	if err != nil {
		return nil, false, err
	}
	p, err := s.GetPermissionByCode(ctx, perm.Code)
	return p, created, err
}

func (s *SQLStore) SetRoleParent(ctx context.Context, roleID int64, parentID *int64) error {
	query, args, err := s.builder().Update("rbac_roles").
		Set("parent_id", parentID).
		Where(sq.Eq{"id": roleID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to set role parent: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return ErrRoleNotFound
	}
	return nil
}

func (s *SQLStore) ListRoles(ctx context.Context) ([]*Role, error) {
	query, args, err := s.selectRoles().OrderBy("code").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *SQLStore) ParentIDs(ctx context.Context, roleIDs []int64) (map[int64]int64, error) {
	parents := make(map[int64]int64, len(roleIDs))
	if len(roleIDs) == 0 {
		return parents, nil
	}
	query, args, err := s.builder().Select("id", "parent_id").From("rbac_roles").
		Where(sq.Eq{"id": roleIDs}).
		Where(sq.NotEq{"parent_id": nil}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load role parents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, parent int64
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, fmt.Errorf("failed to scan role parent: %w", err)
		}
		parents[id] = parent
	}
	return parents, rows.Err()
}

func (s *SQLStore) ChildRoleIDs(ctx context.Context, parentIDs []int64) ([]int64, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	return s.ids(ctx, s.builder().Select("id").From("rbac_roles").Where(sq.Eq{"parent_id": parentIDs}))
}

func (s *SQLStore) PermissionCodes(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query, args, err := s.builder().Select("DISTINCT p.code").
		From("rbac_role_permissions rp").
		Join("rbac_permissions p ON p.id = rp.permission_id").
		Where(sq.Eq{"rp.role_id": roleIDs}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan permission code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *SQLStore) RoleIDsGranting(ctx context.Context, code string) ([]int64, error) {
	return s.ids(ctx, s.builder().Select("DISTINCT rp.role_id").
		From("rbac_role_permissions rp").
		Join("rbac_permissions p ON p.id = rp.permission_id").
		Where(sq.Eq{"p.code": []string{code, Wildcard}}))
}

func (s *SQLStore) AssignedRoleIDs(ctx context.Context, userID int64, scope Scope) ([]int64, error) {
	return s.ids(ctx, s.builder().Select("DISTINCT role_id").From("rbac_user_roles").
		Where(sq.Eq{"user_id": userID, "scope": dedupeScopes(GlobalScope, scope)}))
}

func (s *SQLStore) AssignmentScopes(ctx context.Context, userID int64, roleIDs []int64) ([]Scope, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	return s.scopes(ctx, s.builder().Select("DISTINCT scope").From("rbac_user_roles").
		Where(sq.Eq{"user_id": userID, "role_id": roleIDs}).
		OrderBy("scope"))
}

func (s *SQLStore) UserScopes(ctx context.Context, userID int64) ([]Scope, error) {
	return s.scopes(ctx, s.builder().Select("DISTINCT scope").From("rbac_user_roles").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("scope"))
}

func (s *SQLStore) UserIDsWithRoles(ctx context.Context, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	return s.ids(ctx, s.builder().Select("DISTINCT user_id").From("rbac_user_roles").
		Where(sq.Eq{"role_id": roleIDs}).
		OrderBy("user_id"))
}

func (s *SQLStore) ListAssignments(ctx context.Context, userID int64) ([]*Assignment, error) {
	query, args, err := s.builder().
		Select("ur.id", "ur.user_id", "ur.role_id", "r.code", "ur.scope", "ur.created_at").
		From("rbac_user_roles ur").
		Join("rbac_roles r ON r.id = ur.role_id").
		Where(sq.Eq{"ur.user_id": userID}).
		OrderBy("ur.scope", "r.code").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		var (
			a     Assignment
			scope string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.RoleCode, &scope, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.Scope = Scope(scope)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error) {
	query, args, err := s.builder().Insert("rbac_user_roles").
		Columns("user_id", "role_id", "scope", "created_at").
		Values(userID, roleID, string(scope), s.now().UTC()).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert: %w", err)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to create assignment: %w", err)
	}
	return affected(res)
}

func (s *SQLStore) DeleteAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error) {
	query, args, err := s.builder().Delete("rbac_user_roles").
		Where(sq.Eq{"user_id": userID, "role_id": roleID, "scope": string(scope)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build delete: %w", err)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete assignment: %w", err)
	}
	return affected(res)
}

func (s *SQLStore) AddRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	query, args, err := s.builder().Insert("rbac_role_permissions").
		Columns("role_id", "permission_id").
		Values(roleID, permissionID).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert: %w", err)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to grant permission: %w", err)
	}
	return affected(res)
}

func (s *SQLStore) RemoveRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	query, args, err := s.builder().Delete("rbac_role_permissions").
		Where(sq.Eq{"role_id": roleID, "permission_id": permissionID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build delete: %w", err)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to revoke permission: %w", err)
	}
	return affected(res)
}

func (s *SQLStore) ids(ctx context.Context, b sq.SelectBuilder) ([]int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) scopes(ctx context.Context, b sq.SelectBuilder) ([]Scope, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scopes: %w", err)
	}
	defer rows.Close()

	var out []Scope
	for rows.Next() {
		var scope sql.NullString
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		out = append(out, Scope(scope.String))
	}
	return out, rows.Err()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func dedupeScopes(scopes ...Scope) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[Scope]bool, len(scopes))
	for _, s := range scopes {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, string(s))
	}
	return out
}
