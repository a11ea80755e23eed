package elements

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

// Repository persists UI elements together with their closure edges.
type Repository struct {
	pool  *pgxpool.Pool
	edges *closure.Repository
}

// NewRepository constructs a repository over elements and element_closure.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, edges: closure.NewRepository(pool, "element_closure")}
}

// Tree returns the closure service over the live pool, for read paths.
func (r *Repository) Tree() *closure.Service {
	return closure.NewService(r.edges)
}

// Create inserts the element row and its closure edges atomically. The parent
// row is locked first so a concurrent subtree delete of the parent cannot
// interleave with the edge derivation and leave an orphaned child.
func (r *Repository) Create(ctx context.Context, element Element) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if element.UpID != uuid.Nil {
			if err := lockElement(ctx, tx, element.UpID); err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					return closure.ErrParentNotFound
				}
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO elements (id, name, element_type, identification, route)
			 VALUES ($1, $2, $3, $4, $5)`,
			element.ID, element.Name, element.ElementType, element.Identification, element.Route); err != nil {
			return err
		}
		return closure.NewService(r.edges.Bind(tx)).InsertNode(ctx, element.ID, element.UpID)
	})
}

// lockElement takes a row lock on the element so concurrent mutations
// touching the same ancestor chain serialize instead of interleaving.
func lockElement(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var one int
	if err := tx.QueryRow(ctx,
		`SELECT 1 FROM elements WHERE id = $1 FOR UPDATE`, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.ErrNotFound
		}
		return err
	}
	return nil
}

// DeleteSubtree removes the element with its whole subtree and the role
// claims that pointed at any removed element.
func (r *Repository) DeleteSubtree(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	var removed []uuid.UUID
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockElement(ctx, tx, id); err != nil {
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
		if _, err := tx.Exec(ctx, `DELETE FROM elements WHERE id = ANY($1)`, ids); err != nil {
			return err
		}
		values := make([]string, len(ids))
		for i, eid := range ids {
			values[i] = eid.String()
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM role_claims WHERE claim_type = 'element' AND claim_value = ANY($1)`, values); err != nil {
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

// GetAll returns every element with its direct parent resolved from the
// depth 1 closure edge.
func (r *Repository) GetAll(ctx context.Context) ([]Element, error) {
	return r.query(ctx,
		`SELECT e.id, e.name, e.element_type, e.identification, e.route,
		        COALESCE(c.ancestor, '00000000-0000-0000-0000-000000000000'::uuid)
		 FROM elements e
		 LEFT JOIN element_closure c ON c.descendant = e.id AND c.depth = 1
		 ORDER BY e.id`)
}

// GetByIDs returns the named elements in id order.
func (r *Repository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]Element, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx,
		`SELECT e.id, e.name, e.element_type, e.identification, e.route,
		        COALESCE(c.ancestor, '00000000-0000-0000-0000-000000000000'::uuid)
		 FROM elements e
		 LEFT JOIN element_closure c ON c.descendant = e.id AND c.depth = 1
		 WHERE e.id = ANY($1)
		 ORDER BY e.id`, ids)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]Element, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var elements []Element
	for rows.Next() {
		var el Element
		if err := rows.Scan(&el.ID, &el.Name, &el.ElementType, &el.Identification, &el.Route, &el.UpID); err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, rows.Err()
}
