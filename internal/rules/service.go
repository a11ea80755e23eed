package rules

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// RepositoryPort defines the persistence operations the service needs.
type RepositoryPort interface {
	GetGroup(ctx context.Context, id uuid.UUID) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	GetRuleSet(ctx context.Context, groupID uuid.UUID) (RuleSet, error)
	ReplaceRuleSet(ctx context.Context, set RuleSet) error
	DeleteGroup(ctx context.Context, id uuid.UUID) error
}

// FilterCacheInvalidator evicts cached compiled filters after rule
// mutations. Implemented by the permission cache service.
type FilterCacheInvalidator interface {
	InvalidateAllUsers(ctx context.Context) error
}

// Service owns rule group edits and filter compilation.
type Service struct {
	repo     RepositoryPort
	compiler *Compiler
	cache    FilterCacheInvalidator
	logger   *slog.Logger
}

// NewService constructs a Service. cache may be nil in tests.
func NewService(repo RepositoryPort, compiler *Compiler, cache FilterCacheInvalidator, logger *slog.Logger) *Service {
	return &Service{repo: repo, compiler: compiler, cache: cache, logger: logger}
}

// ListGroups returns all rule groups.
func (s *Service) ListGroups(ctx context.Context) ([]Group, error) {
	return s.repo.ListGroups(ctx)
}

// GetRuleSet returns a fully materialized rule group.
func (s *Service) GetRuleSet(ctx context.Context, groupID uuid.UUID) (RuleSet, error) {
	return s.repo.GetRuleSet(ctx, groupID)
}

// CompileFilter compiles and serializes a stored group's filter for the
// given principal context. The owning group is returned alongside so
// callers know which entity the filter scopes.
func (s *Service) CompileFilter(ctx context.Context, groupID uuid.UUID, vars Context) (Group, []byte, error) {
	set, err := s.repo.GetRuleSet(ctx, groupID)
	if err != nil {
		return Group{}, nil, err
	}
	serialized, err := s.compiler.CompileFilter(ctx, set, vars)
	if err != nil {
		return Group{}, nil, err
	}
	return set.Group, serialized, nil
}

// AddOrUpdate validates and persists a submitted rule group edit as one
// atomic full replacement. The editor's own context serves as the compile
// smoke test; any compile failure rejects the edit with no side effects.
func (s *Service) AddOrUpdate(ctx context.Context, req EditRequest, editor Context) (Group, error) {
	set, err := s.remap(ctx, req)
	if err != nil {
		return Group{}, err
	}
	if _, err := s.compiler.CompileFilter(ctx, set, editor); err != nil {
		return Group{}, err
	}
	if err := s.repo.ReplaceRuleSet(ctx, set); err != nil {
		return Group{}, err
	}
	s.invalidate(ctx)
	return set.Group, nil
}

// Delete removes a rule group and everything referencing it.
func (s *Service) Delete(ctx context.Context, groupID uuid.UUID) error {
	if err := s.repo.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// remap converts the submitted edit into a persistable rule set: the group
// keeps its id when it already exists, and every rule and condition gets a
// fresh server id with internal references rewritten to match.
func (s *Service) remap(ctx context.Context, req EditRequest) (RuleSet, error) {
	groupID := uuid.Nil
	if req.GroupID != "" {
		parsed, err := uuid.Parse(req.GroupID)
		if err != nil {
			return RuleSet{}, topologyError("malformed group id %q", req.GroupID)
		}
		if _, err := s.repo.GetGroup(ctx, parsed); err == nil {
			groupID = parsed
		} else if !errors.Is(err, ErrNotFound) {
			return RuleSet{}, err
		}
	}
	if groupID == uuid.Nil {
		var err error
		if groupID, err = uuid.NewV7(); err != nil {
			return RuleSet{}, err
		}
	}

	ids := make(map[string]uuid.UUID, len(req.Rules))
	for _, rule := range req.Rules {
		if rule.TempID == "" {
			return RuleSet{}, topologyError("rule without id")
		}
		if _, dup := ids[rule.TempID]; dup {
			return RuleSet{}, topologyError("duplicate rule id %q", rule.TempID)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return RuleSet{}, err
		}
		ids[rule.TempID] = id
	}

	set := RuleSet{Group: Group{ID: groupID, Name: req.Name, DbContext: req.DbContext, Entity: req.Entity}}
	for _, rule := range req.Rules {
		parent := uuid.Nil
		if rule.UpTempID != "" {
			mapped, ok := ids[rule.UpTempID]
			if !ok {
				return RuleSet{}, topologyError("rule %q references missing parent %q", rule.TempID, rule.UpTempID)
			}
			parent = mapped
		}
		set.Rules = append(set.Rules, Rule{
			ID:       ids[rule.TempID],
			GroupID:  groupID,
			UpRuleID: parent,
			Combine:  rule.Combine,
		})
	}
	for _, cond := range req.Conditions {
		owner, ok := ids[cond.RuleTempID]
		if !ok {
			return RuleSet{}, topologyError("condition on field %q references missing rule %q", cond.Field, cond.RuleTempID)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return RuleSet{}, err
		}
		set.Conditions = append(set.Conditions, Condition{
			ID:      id,
			GroupID: groupID,
			RuleID:  owner,
			Field:   cond.Field,
			Op:      cond.Op,
			Value:   cond.Value,
		})
	}
	return set, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateAllUsers(ctx); err != nil && s.logger != nil {
		s.logger.Warn("invalidate filter caches", slog.Any("error", err))
	}
}
