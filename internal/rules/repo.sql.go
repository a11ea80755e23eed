package rules

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-admin/tessera/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for rule groups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetGroup fetches a rule group row.
func (r *Repository) GetGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	var group Group
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, db_context, entity FROM rule_groups WHERE id = $1`, id).
		Scan(&group.ID, &group.Name, &group.DbContext, &group.Entity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, ErrNotFound
		}
		return Group{}, err
	}
	return group, nil
}

// ListGroups returns every rule group ordered by id, which is insertion
// order given sequential ids.
func (r *Repository) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, db_context, entity FROM rule_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ID, &group.Name, &group.DbContext, &group.Entity); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// GetRuleSet fetches a group with all its rules and conditions.
func (r *Repository) GetRuleSet(ctx context.Context, groupID uuid.UUID) (RuleSet, error) {
	group, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return RuleSet{}, err
	}
	set := RuleSet{Group: group}

	rows, err := r.pool.Query(ctx,
		`SELECT id, group_id, COALESCE(up_rule_id, '00000000-0000-0000-0000-000000000000'::uuid), combine_type
		 FROM rules WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return RuleSet{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(&rule.ID, &rule.GroupID, &rule.UpRuleID, &rule.Combine); err != nil {
			return RuleSet{}, err
		}
		set.Rules = append(set.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return RuleSet{}, err
	}

	condRows, err := r.pool.Query(ctx,
		`SELECT id, group_id, rule_id, field, operate_type, value
		 FROM rule_conditions WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return RuleSet{}, err
	}
	defer condRows.Close()
	for condRows.Next() {
		var cond Condition
		if err := condRows.Scan(&cond.ID, &cond.GroupID, &cond.RuleID, &cond.Field, &cond.Op, &cond.Value); err != nil {
			return RuleSet{}, err
		}
		set.Conditions = append(set.Conditions, cond)
	}
	return set, condRows.Err()
}

// ReplaceRuleSet atomically replaces the group's whole rule and condition
// set. Readers observe either the old set or the new one, never the window
// between delete and insert.
func (r *Repository) ReplaceRuleSet(ctx context.Context, set RuleSet) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM rules WHERE group_id = $1`, set.Group.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM rule_conditions WHERE group_id = $1`, set.Group.ID); err != nil {
			return err
		}
		for _, rule := range set.Rules {
			var parent any
			if rule.UpRuleID != uuid.Nil {
				parent = rule.UpRuleID
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO rules (id, group_id, up_rule_id, combine_type) VALUES ($1, $2, $3, $4)`,
				rule.ID, rule.GroupID, parent, rule.Combine); err != nil {
				return err
			}
		}
		for _, cond := range set.Conditions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO rule_conditions (id, group_id, rule_id, field, operate_type, value)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				cond.ID, cond.GroupID, cond.RuleID, cond.Field, cond.Op, cond.Value); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO rule_groups (id, name, db_context, entity) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, db_context = EXCLUDED.db_context, entity = EXCLUDED.entity`,
			set.Group.ID, set.Group.Name, set.Group.DbContext, set.Group.Entity)
		return err
	})
}

// DeleteGroup removes the group row with all its rules and conditions.
func (r *Repository) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM rule_groups WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM rules WHERE group_id = $1`, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM rule_conditions WHERE group_id = $1`, id)
		return err
	})
}
