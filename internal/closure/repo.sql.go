package closure

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queryer is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so
// closure mutations can join the caller's transaction.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository provides PostgreSQL backed persistence for one closure table.
// The table name is fixed at construction so the same code serves
// group_closure and element_closure.
type Repository struct {
	q     Queryer
	table string
}

// NewRepository constructs a repository over the named closure table.
func NewRepository(pool *pgxpool.Pool, table string) *Repository {
	return &Repository{q: pool, table: table}
}

// Bind returns a copy of the repository that issues statements on tx.
func (r *Repository) Bind(tx pgx.Tx) *Repository {
	return &Repository{q: tx, table: r.table}
}

// EdgesTo returns the full ancestor chain of the node, self-edge included.
func (r *Repository) EdgesTo(ctx context.Context, descendant uuid.UUID) ([]Edge, error) {
	query := fmt.Sprintf(`SELECT ancestor, descendant, depth FROM %s WHERE descendant = $1 ORDER BY depth`, r.table)
	return r.queryEdges(ctx, query, descendant)
}

// EdgesFrom returns the full descendant set of the node, self-edge included.
func (r *Repository) EdgesFrom(ctx context.Context, ancestor uuid.UUID) ([]Edge, error) {
	query := fmt.Sprintf(`SELECT ancestor, descendant, depth FROM %s WHERE ancestor = $1 ORDER BY depth`, r.table)
	return r.queryEdges(ctx, query, ancestor)
}

// InsertEdges persists the derived edges for a new node.
func (r *Repository) InsertEdges(ctx context.Context, edges []Edge) error {
	query := fmt.Sprintf(`INSERT INTO %s (ancestor, descendant, depth) VALUES ($1, $2, $3)`, r.table)
	for _, edge := range edges {
		if _, err := r.q.Exec(ctx, query, edge.Ancestor, edge.Descendant, edge.Depth); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByDescendants removes every edge whose descendant is in ids.
func (r *Repository) DeleteByDescendants(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE descendant = ANY($1)`, r.table)
	_, err := r.q.Exec(ctx, query, ids)
	return err
}

func (r *Repository) queryEdges(ctx context.Context, query string, id uuid.UUID) ([]Edge, error) {
	rows, err := r.q.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []Edge
	for rows.Next() {
		var edge Edge
		if err := rows.Scan(&edge.Ancestor, &edge.Descendant, &edge.Depth); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}
