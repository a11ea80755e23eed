package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-admin/tessera/internal/platform/db"
	"github.com/tessera-admin/tessera/internal/shared"
)

// Repository provides PostgreSQL backed persistence for users and roles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `u.id, u.user_name, u.display_name, u.password_hash,
	COALESCE(u.group_id, '00000000-0000-0000-0000-000000000000'::uuid),
	COALESCE(array_agg(r.name) FILTER (WHERE r.name IS NOT NULL), '{}')`

const userFromClause = `FROM users u
	LEFT JOIN user_roles ur ON ur.user_id = u.id
	LEFT JOIN roles r ON r.id = ur.role_id`

// FindUserByName loads a user with their role names.
func (r *Repository) FindUserByName(ctx context.Context, userName string) (User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` `+userFromClause+` WHERE u.user_name = $1 GROUP BY u.id`, userName)
	return scanUser(row)
}

// FindUserByID loads a user with their role names.
func (r *Repository) FindUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` `+userFromClause+` WHERE u.id = $1 GROUP BY u.id`, id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.UserName, &user.DisplayName, &user.PasswordHash, &user.GroupID, &user.Roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		return User{}, err
	}
	return user, nil
}

// ListUsers returns a page of users ordered by user name.
func (r *Repository) ListUsers(ctx context.Context, page, perPage int) ([]User, shared.Pagination, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, shared.Pagination{}, err
	}
	p := shared.NewPagination(page, perPage, total)

	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` `+userFromClause+`
		 GROUP BY u.id ORDER BY u.user_name LIMIT $1 OFFSET $2`,
		p.PerPage, (p.Page-1)*p.PerPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.UserName, &user.DisplayName, &user.PasswordHash, &user.GroupID, &user.Roles); err != nil {
			return nil, shared.Pagination{}, err
		}
		users = append(users, user)
	}
	return users, p, rows.Err()
}

// CreateUser inserts a new account.
func (r *Repository) CreateUser(ctx context.Context, user User) error {
	var groupID any
	if user.GroupID != uuid.Nil {
		groupID = user.GroupID
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, user_name, display_name, password_hash, group_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.UserName, user.DisplayName, user.PasswordHash, groupID)
	return mapConstraint(err)
}

// UpdatePassword replaces a user's password hash.
func (r *Repository) UpdatePassword(ctx context.Context, userID uuid.UUID, hash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetUserGroup moves a user to another organizational group. A nil group
// detaches the user from the tree.
func (r *Repository) SetUserGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	var group any
	if groupID != uuid.Nil {
		group = groupID
	}
	tag, err := r.pool.Exec(ctx, `UPDATE users SET group_id = $2 WHERE id = $1`, userID, group)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetUserRoles replaces the user's role assignments wholesale.
func (r *Repository) SetUserRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, roleID := range roleIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`, userID, roleID); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, role Role) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO roles (id, name, remark) VALUES ($1, $2, $3)`,
		role.ID, role.Name, role.Remark)
	return mapConstraint(err)
}

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, remark FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Remark); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// FindRoleByName fetches one role.
func (r *Repository) FindRoleByName(ctx context.Context, name string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT id, name, remark FROM roles WHERE name = $1`, name).
		Scan(&role.ID, &role.Name, &role.Remark)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// RoleClaims returns the claims attached to a role, optionally narrowed to
// one claim type.
func (r *Repository) RoleClaims(ctx context.Context, roleID uuid.UUID, claimType ClaimType) ([]Claim, error) {
	query := `SELECT claim_type, claim_value FROM role_claims WHERE role_id = $1`
	args := []any{roleID}
	if claimType != "" {
		query += ` AND claim_type = $2`
		args = append(args, claimType)
	}
	rows, err := r.pool.Query(ctx, query+` ORDER BY claim_type, claim_value`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claims []Claim
	for rows.Next() {
		var claim Claim
		if err := rows.Scan(&claim.Type, &claim.Value); err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// SetRoleClaims replaces the role's claims wholesale.
func (r *Repository) SetRoleClaims(ctx context.Context, roleID uuid.UUID, claims []Claim) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return shared.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_claims WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, claim := range claims {
			if _, err := tx.Exec(ctx,
				`INSERT INTO role_claims (role_id, claim_type, claim_value) VALUES ($1, $2, $3)`,
				roleID, claim.Type, claim.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return shared.ErrDuplicate
	}
	return err
}
