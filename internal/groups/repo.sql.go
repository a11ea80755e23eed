package groups

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-admin/tessera/internal/closure"
	"github.com/tessera-admin/tessera/internal/platform/db"
	"github.com/tessera-admin/tessera/internal/shared"
)

// Repository persists organizational groups together with their closure
// edges. Row and edge mutations share one transaction so the tree can never
// drift from the group table.
type Repository struct {
	pool  *pgxpool.Pool
	edges *closure.Repository
}

// NewRepository constructs a repository over org_groups and group_closure.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, edges: closure.NewRepository(pool, "group_closure")}
}

// Tree returns the closure service over the live pool, for read paths.
func (r *Repository) Tree() *closure.Service {
	return closure.NewService(r.edges)
}

// Create inserts the group row and its closure edges atomically. The parent
// row is locked first so a concurrent subtree delete of the parent cannot
// interleave with the edge derivation and leave an orphaned child.
func (r *Repository) Create(ctx context.Context, group Group) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if group.UpID != uuid.Nil {
			if err := lockGroup(ctx, tx, group.UpID); err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					return closure.ErrParentNotFound
				}
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO org_groups (id, name, remark) VALUES ($1, $2, $3)`,
			group.ID, group.Name, group.Remark); err != nil {
			return err
		}
		return closure.NewService(r.edges.Bind(tx)).InsertNode(ctx, group.ID, group.UpID)
	})
}

// lockGroup takes a row lock on the group so concurrent mutations touching
// the same ancestor chain serialize instead of interleaving.
func lockGroup(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var one int
	if err := tx.QueryRow(ctx,
		`SELECT 1 FROM org_groups WHERE id = $1 FOR UPDATE`, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.ErrNotFound
		}
		return err
	}
	return nil
}

// Update renames a group. Tree position is fixed at creation.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, name, remark string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE org_groups SET name = $2, remark = $3 WHERE id = $1`, id, name, remark)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteSubtree removes the group with its whole subtree: closure edges,
// group rows, and the group reference on any user inside the subtree. The
// removed ids are returned for cache invalidation.
func (r *Repository) DeleteSubtree(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	var removed []uuid.UUID
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockGroup(ctx, tx, id); err != nil {
			return err
		}
		tree := closure.NewService(r.edges.Bind(tx))
		ids, err := tree.DeleteSubtree(ctx, id)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return shared.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM org_groups WHERE id = ANY($1)`, ids); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET group_id = NULL WHERE group_id = ANY($1)`, ids); err != nil {
			return err
		}
		removed = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Get fetches one group with its direct parent.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Group, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT g.id, g.name, g.remark,
		        COALESCE(c.ancestor, '00000000-0000-0000-0000-000000000000'::uuid)
		 FROM org_groups g
		 LEFT JOIN group_closure c ON c.descendant = g.id AND c.depth = 1
		 WHERE g.id = $1`, id)
	var group Group
	if err := row.Scan(&group.ID, &group.Name, &group.Remark, &group.UpID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, shared.ErrNotFound
		}
		return Group{}, err
	}
	return group, nil
}

// GetAll returns every group with its direct parent resolved from the
// depth 1 closure edge.
func (r *Repository) GetAll(ctx context.Context) ([]Group, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT g.id, g.name, g.remark,
		        COALESCE(c.ancestor, '00000000-0000-0000-0000-000000000000'::uuid)
		 FROM org_groups g
		 LEFT JOIN group_closure c ON c.descendant = g.id AND c.depth = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ID, &group.Name, &group.Remark, &group.UpID); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}
