package rules

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-admin/tessera/internal/rules/expr"
)

// LoadRegistry reads the protected entity catalog and builds the schema
// registry the compiler validates against. The catalog changes with
// deployments, not at runtime, so one load at startup is enough.
func LoadRegistry(ctx context.Context, pool *pgxpool.Pool) (*expr.Registry, error) {
	rows, err := pool.Query(ctx, `SELECT db_context, entity, fields FROM entity_schemas ORDER BY db_context, entity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	registry := expr.NewRegistry()
	for rows.Next() {
		var dbContext, entity string
		var fields []string
		if err := rows.Scan(&dbContext, &entity, &fields); err != nil {
			return nil, err
		}
		registry.Register(expr.NewSchema(dbContext, entity, fields...))
	}
	return registry, rows.Err()
}
