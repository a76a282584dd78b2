package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tammerofficial/workshop01-sub008/internal/platform/db"
	"github.com/tammerofficial/workshop01-sub008/internal/policy"
)

// hierarchyLockKey serialises every structural change to the role tree.
const hierarchyLockKey int64 = 0x726f6c6573 // "roles"

const roleColumns = `id, name, display_name, description, parent_id, hierarchy_level, priority,
	department, is_system, is_inheritable, is_active, permissions, conditions, expires_at,
	created_at, updated_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// hierarchyTxOptions run tree changes at read committed. Every statement after
// pg_advisory_xact_lock then reads the tree as left by the previous lock holder;
// a repeatable-read snapshot would be taken before the lock wait ends.
var hierarchyTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// TxRepository exposes the operations that must share one transaction.
type TxRepository interface {
	LockHierarchy(ctx context.Context) error
	CreateRole(ctx context.Context, role Role) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	GetRoleForUpdate(ctx context.Context, id int64) (Role, error)
	UpdateParent(ctx context.Context, id int64, parentID *int64) error
	UpdateLevel(ctx context.Context, id int64, level int) error
	SavePermissions(ctx context.Context, id int64, perms []string, conds map[string]policy.Conditions) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, hierarchyTxOptions, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// ListRoles returns all roles.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	return listRoles(ctx, r.pool)
}

// GetRole fetches a role by id.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

// GetRoleByName fetches a role by its key.
func (r *Repository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

// CreateRole inserts a new role.
func (t *txRepo) CreateRole(ctx context.Context, role Role) (Role, error) {
	conds, err := encodeConditions(role.Conditions)
	if err != nil {
		return Role{}, err
	}
	row := t.tx.QueryRow(ctx, `INSERT INTO roles (name, display_name, description, parent_id, hierarchy_level,
		priority, department, is_system, is_inheritable, is_active, permissions, conditions, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+roleColumns,
		role.Name, role.DisplayName, role.Description, role.ParentID, role.HierarchyLevel,
		role.Priority, role.Department, role.IsSystem, role.IsInheritable, role.IsActive,
		nonNil(role.Permissions), conds, role.ExpiresAt)
	created, err := scanRole(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("%s: %w", role.Name, ErrDuplicate)
		}
		return Role{}, err
	}
	return created, nil
}

// UpdateRole persists the descriptive attributes of a role.
func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `UPDATE roles SET name = $2, display_name = $3, description = $4,
		priority = $5, department = $6, is_inheritable = $7, expires_at = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roleColumns,
		role.ID, role.Name, role.DisplayName, role.Description, role.Priority, role.Department,
		role.IsInheritable, role.ExpiresAt)
	updated, err := scanRole(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("%s: %w", role.Name, ErrDuplicate)
		}
		return Role{}, err
	}
	return updated, nil
}

// SetActive toggles the soft-disable flag.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) LockHierarchy(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, hierarchyLockKey)
	return err
}

func (t *txRepo) ListRoles(ctx context.Context) ([]Role, error) {
	return listRoles(ctx, t.tx)
}

func (t *txRepo) GetRoleForUpdate(ctx context.Context, id int64) (Role, error) {
	return scanRole(t.tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) UpdateParent(ctx context.Context, id int64, parentID *int64) error {
	return execOne(ctx, t.tx, `UPDATE roles SET parent_id = $2, updated_at = NOW() WHERE id = $1`, id, parentID)
}

func (t *txRepo) UpdateLevel(ctx context.Context, id int64, level int) error {
	return execOne(ctx, t.tx, `UPDATE roles SET hierarchy_level = $2, updated_at = NOW() WHERE id = $1`, id, level)
}

func (t *txRepo) SavePermissions(ctx context.Context, id int64, perms []string, conds map[string]policy.Conditions) error {
	raw, err := encodeConditions(conds)
	if err != nil {
		return err
	}
	return execOne(ctx, t.tx, `UPDATE roles SET permissions = $2, conditions = $3, updated_at = NOW() WHERE id = $1`,
		id, nonNil(perms), raw)
}

func execOne(ctx context.Context, q querier, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func listRoles(ctx context.Context, q querier) ([]Role, error) {
	rows, err := q.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY hierarchy_level, priority DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRole(row pgx.Row) (Role, error) {
	var (
		role      Role
		condsRaw  []byte
		expiresAt *time.Time
	)
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.ParentID,
		&role.HierarchyLevel, &role.Priority, &role.Department, &role.IsSystem, &role.IsInheritable,
		&role.IsActive, &role.Permissions, &condsRaw, &expiresAt, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	role.ExpiresAt = expiresAt
	if len(condsRaw) > 0 {
		if err := json.Unmarshal(condsRaw, &role.Conditions); err != nil {
			return Role{}, fmt.Errorf("roles: decode conditions of %s: %w", role.Name, err)
		}
	}
	return role, nil
}

func encodeConditions(conds map[string]policy.Conditions) ([]byte, error) {
	if len(conds) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(conds)
}

func nonNil(perms []string) []string {
	if perms == nil {
		return []string{}
	}
	return perms
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
